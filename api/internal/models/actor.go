package models

import "strings"

const (
	ActorKindUser   = "user"
	ActorKindSystem = "system"
)

// Actor is who an execution or feed event is attributed to: a User or a
// SystemActor. The unexported method closes the set.
type Actor interface {
	Kind() string
	Ref() string
	isActor()
}

type User struct {
	Subject string
}

func (User) Kind() string  { return ActorKindUser }
func (u User) Ref() string { return u.Subject }
func (User) isActor()      {}

type SystemActor struct {
	Component string
}

func (SystemActor) Kind() string  { return ActorKindSystem }
func (s SystemActor) Ref() string { return s.Component }
func (SystemActor) isActor()      {}

var (
	ActorScheduler        = SystemActor{Component: "scheduler"}
	ActorThresholdMonitor = SystemActor{Component: "threshold-monitor"}
	ActorSweeper          = SystemActor{Component: "sweeper"}
	ActorDevice           = SystemActor{Component: "device"}
)

// ActorFromParts rebuilds an Actor from its stored columns.
func ActorFromParts(kind string, ref string) Actor {
	ref = strings.TrimSpace(ref)
	if strings.EqualFold(kind, ActorKindUser) && ref != "" {
		return User{Subject: ref}
	}
	if ref == "" {
		ref = "unknown"
	}
	return SystemActor{Component: ref}
}

// ActorParts is the inverse of ActorFromParts. A nil actor is stored as an
// unknown system actor.
func ActorParts(a Actor) (string, string) {
	if a == nil {
		return ActorKindSystem, "unknown"
	}
	return a.Kind(), a.Ref()
}
