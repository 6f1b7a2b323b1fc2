// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// CleanupAction is the outcome of one teardown step.
type CleanupAction struct {
	Name    string        `json:"name"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

func (a CleanupAction) OK() bool { return a.Error == "" }

// CleanupReport collects every teardown step. Steps never short-circuit
// each other.
type CleanupReport struct {
	Actions []CleanupAction `json:"actions"`
}

func (r *CleanupReport) do(name string, fn func() error) {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		err = fn()
	}()
	action := CleanupAction{Name: name, Elapsed: time.Since(start)}
	if err != nil {
		action.Error = err.Error()
	}
	r.Actions = append(r.Actions, action)
}

func (r CleanupReport) Failed() []CleanupAction {
	var out []CleanupAction
	for _, a := range r.Actions {
		if !a.OK() {
			out = append(out, a)
		}
	}
	return out
}

// Err joins the failed steps, or nil when everything succeeded.
func (r CleanupReport) Err() error {
	var errs []error
	for _, a := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %s", a.Name, a.Error))
	}
	return errors.Join(errs...)
}

func (r CleanupReport) Action(name string) (CleanupAction, bool) {
	for _, a := range r.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return CleanupAction{}, false
}
