// SPDX-License-Identifier: Apache-2.0

package domain

type ActorType string

const (
	ActorHuman      ActorType = "human"
	ActorSystem     ActorType = "system"
	ActorVendor     ActorType = "vendor"
	ActorAutomation ActorType = "automation"
)

func (t ActorType) Valid() bool {
	switch t {
	case ActorHuman, ActorSystem, ActorVendor, ActorAutomation:
		return true
	default:
		return false
	}
}

// Actor attributes a mutation. It is passed explicitly into every write
// path; there is no ambient actor hidden in a context value.
type Actor struct {
	Type ActorType
	ID   string
}

func (a Actor) Validate() error {
	if !a.Type.Valid() {
		return &ValidationError{Field: "actor_type", Reason: "unknown actor type"}
	}
	if a.Type == ActorHuman && a.ID == "" {
		return &ValidationError{Field: "actor_id", Reason: "required for human actors"}
	}
	return nil
}

// SystemActor is the attribution used by internal machinery (workers,
// schedulers) when no human or vendor is involved.
func SystemActor(id string) Actor {
	if id == "" {
		id = "system"
	}
	return Actor{Type: ActorSystem, ID: id}
}
