// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package intercept

import (
	"context"
	"fmt"
	"strings"
)

// Selector addresses one element of the proxy UI. CSS picks the candidates;
// HasText keeps those whose text contains it; ChildTextIs keeps those with
// a descendant div whose trimmed text equals it.
type Selector struct {
	CSS         string
	HasText     string
	ChildTextIs string
}

func (s Selector) String() string {
	var b strings.Builder
	b.WriteString(s.CSS)
	if s.HasText != "" {
		fmt.Fprintf(&b, ":has-text(%q)", s.HasText)
	}
	if s.ChildTextIs != "" {
		fmt.Fprintf(&b, ":has(div:text-is(%q))", s.ChildTextIs)
	}
	return b.String()
}

// Browser is the automation surface the session needs. Every call blocks
// until it succeeds or ctx ends.
type Browser interface {
	// Navigate loads url and waits for the network to go idle.
	Navigate(ctx context.Context, url string) error
	WaitFor(ctx context.Context, sel Selector) error
	Click(ctx context.Context, sel Selector) error
	// Fill replaces the current value of an input.
	Fill(ctx context.Context, sel Selector, value string) error
	Text(ctx context.Context, sel Selector) (string, error)
	// OnDialog registers fn to be told about every dialog. Dialogs are
	// dismissed and the page reloaded whether or not fn is set.
	OnDialog(fn func(message string))
	Close() error
}

// Device is the slice of adb the session drives.
type Device interface {
	Tap(ctx context.Context, x, y int) error
	LaunchApp(ctx context.Context, pkg string) error
}
