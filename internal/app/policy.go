package app

import (
	"fmt"

	"github.com/dkeye/wigma-ws/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a peer whose outbox is full.
type Policy interface {
	OnBackPressure(room *core.Session, conn core.ConnID) BackpressureAction
}

// SimplePolicy disconnects slow peers; they resync from storage on reconnect.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*core.Session, core.ConnID) BackpressureAction {
	return KickMember
}

// DropPolicy discards the frame and keeps the peer connected.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(*core.Session, core.ConnID) BackpressureAction {
	return DropFrame
}

// PolicyByName maps the slow_peer_policy setting to a Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown slow peer policy %q", name)
}
