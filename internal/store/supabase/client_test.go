package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type recorded struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   map[string]string
}

func fakePostgREST(t *testing.T, status int, reply string) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{Method: r.Method, Path: r.URL.Path, Query: map[string]string{}, Header: r.Header.Clone()}
		for k, v := range r.URL.Query() {
			rec.Query[k] = v[0]
		}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			assert.NoError(t, json.Unmarshal(b, &rec.Body))
		}
		calls = append(calls, rec)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "service-key", srv.Client()), &calls
}

func TestGetSnapshot(t *testing.T) {
	c, calls := fakePostgREST(t, http.StatusOK, `[{"snapshot":"\\x0102ff"}]`)
	data, ok, err := c.GetSnapshot(context.Background(), "P1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 0xff}, data)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodGet, call.Method)
	assert.Equal(t, snapshotsPath, call.Path)
	assert.Equal(t, "eq.P1", call.Query["project_id"])
	assert.Equal(t, "snapshot", call.Query["select"])
	assert.Equal(t, "service-key", call.Header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", call.Header.Get("Authorization"))
}

func TestGetSnapshotMissing(t *testing.T) {
	c, _ := fakePostgREST(t, http.StatusOK, `[]`)
	_, ok, err := c.GetSnapshot(context.Background(), "P1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertSnapshot(t *testing.T) {
	c, calls := fakePostgREST(t, http.StatusCreated, ``)
	require.NoError(t, c.UpsertSnapshot(context.Background(), "P1", []byte{0xAB}))

	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "project_id", call.Query["on_conflict"])
	assert.Contains(t, call.Header.Get("Prefer"), "resolution=merge-duplicates")
	assert.Equal(t, map[string]string{"project_id": "P1", "snapshot": `\xab`}, call.Body)
}

func TestGetUpdates(t *testing.T) {
	c, calls := fakePostgREST(t, http.StatusOK, `[{"id":4,"data":"\\x01"},{"id":7,"data":"AgM="}]`)
	ups, err := c.GetUpdates(context.Background(), "P1", 3)
	require.NoError(t, err)
	require.Len(t, ups, 2)
	assert.Equal(t, int64(4), ups[0].ID)
	assert.Equal(t, []byte{1}, ups[0].Data)
	assert.Equal(t, []byte{2, 3}, ups[1].Data)

	q := (*calls)[0].Query
	assert.Equal(t, "gt.3", q["id"])
	assert.Equal(t, "id.asc", q["order"])
}

func TestAppendUpdate(t *testing.T) {
	c, calls := fakePostgREST(t, http.StatusCreated, ``)
	require.NoError(t, c.AppendUpdate(context.Background(), "P1", []byte{2, 9}))

	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodPost, (*calls)[0].Method)
	assert.Equal(t, map[string]string{"project_id": "P1", "data": `\x0209`}, (*calls)[0].Body)
}

func TestClearUpdatesIsBounded(t *testing.T) {
	c, calls := fakePostgREST(t, http.StatusOK, `[{"id":3},{"id":5}]`)
	n, err := c.ClearUpdates(context.Background(), "P1", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	call := (*calls)[0]
	assert.Equal(t, http.MethodDelete, call.Method)
	assert.Equal(t, "eq.P1", call.Query["project_id"])
	assert.Equal(t, "lte.5", call.Query["id"])
	assert.Equal(t, "return=representation", call.Header.Get("Prefer"))
}

func TestLastUpdateID(t *testing.T) {
	c, calls := fakePostgREST(t, http.StatusOK, `[{"id":42}]`)
	id, err := c.LastUpdateID(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	q := (*calls)[0].Query
	assert.Equal(t, "id.desc", q["order"])
	assert.Equal(t, "1", q["limit"])

	c, _ = fakePostgREST(t, http.StatusOK, `[]`)
	id, err = c.LastUpdateID(context.Background(), "P1")
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestCheckAccess(t *testing.T) {
	c, calls := fakePostgREST(t, http.StatusOK, `[{"role":"owner"}]`)
	ok, err := c.CheckAccess(context.Background(), "P1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "eq.u1", (*calls)[0].Query["user_id"])

	c, _ = fakePostgREST(t, http.StatusOK, `[]`)
	ok, err = c.CheckAccess(context.Background(), "P1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusError(t *testing.T) {
	c, _ := fakePostgREST(t, http.StatusUnauthorized, `{"message":"bad key"}`)
	_, err := c.CheckAccess(context.Background(), "P1", "u1")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.Code)
}

func TestInvalidJSON(t *testing.T) {
	c, _ := fakePostgREST(t, http.StatusOK, `not json`)
	_, _, err := c.GetSnapshot(context.Background(), "P1")
	assert.Error(t, err)

	c, _ = fakePostgREST(t, http.StatusOK, `{"snapshot":"x"}`)
	_, _, err = c.GetSnapshot(context.Background(), "P1")
	assert.Error(t, err)
}

func TestDecodeBytea(t *testing.T) {
	b, err := decodeBytea(gjson.Parse(`"\\x"`))
	require.NoError(t, err)
	assert.Empty(t, b)

	_, err = decodeBytea(gjson.Parse(`"\\xzz"`))
	assert.Error(t, err)

	_, err = decodeBytea(gjson.Parse(`12`))
	assert.Error(t, err)

	b, err = decodeBytea(gjson.Parse(`null`))
	require.NoError(t, err)
	assert.Empty(t, b)

	assert.Equal(t, `\x00ff`, encodeBytea([]byte{0, 0xff}))
}
