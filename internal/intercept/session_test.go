// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"github.com/forkbombeu/avdcapture/internal/fault"
)

type fakeBrowser struct {
	mu       sync.Mutex
	calls    []string
	present  map[string]bool
	texts    map[string]string
	counter  []string // successive .count values; the last one repeats
	reads    int
	onDialog func(string)
	dialogAt string // fire a dialog during this call
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{present: map[string]bool{}, texts: map[string]string{}}
}

func (f *fakeBrowser) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.dialogAt == call && f.onDialog != nil {
		f.onDialog("Unexpected error")
	}
}

func (f *fakeBrowser) Navigate(_ context.Context, url string) error {
	f.record("navigate " + url)
	return nil
}

func (f *fakeBrowser) WaitFor(ctx context.Context, sel Selector) error {
	f.record("wait " + sel.String())
	f.mu.Lock()
	ok := f.present[sel.String()]
	f.mu.Unlock()
	if ok {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeBrowser) Click(_ context.Context, sel Selector) error {
	f.record("click " + sel.String())
	return nil
}

func (f *fakeBrowser) Fill(_ context.Context, sel Selector, value string) error {
	f.record("fill " + sel.String() + " " + value)
	return nil
}

func (f *fakeBrowser) Text(_ context.Context, sel Selector) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sel == counterSelector {
		if len(f.counter) == 0 {
			return "", errors.New("no .count element")
		}
		i := min(f.reads, len(f.counter)-1)
		f.reads++
		return f.counter[i], nil
	}
	text, ok := f.texts[sel.String()]
	if !ok {
		return "", fmt.Errorf("no element for %s", sel)
	}
	return text, nil
}

func (f *fakeBrowser) OnDialog(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDialog = fn
}

func (f *fakeBrowser) Close() error { return nil }

func (f *fakeBrowser) has(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeDevice struct {
	mu       sync.Mutex
	taps     int
	launched []string
}

func (d *fakeDevice) Tap(context.Context, int, int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taps++
	return nil
}

func (d *fakeDevice) LaunchApp(_ context.Context, pkg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launched = append(d.launched, pkg)
	return nil
}

func testOptions() Options {
	return Options{
		URL:             "https://app.httptoolkit.tech",
		Mode:            "Android Device via ADB",
		Filter:          "https://log16-normal-useast5.tiktokv.us/service/2/device_register/",
		EndpointPath:    "/service/2/device_register/",
		SuccessStatus:   "200",
		Package:         "com.zhiliaoapp.musically",
		TapX:            1200,
		TapY:            1540,
		CounterSentinel: "2",
		CounterAttempts: 10,
		CounterInterval: time.Millisecond,
		WaitTimeout:     500 * time.Millisecond,
		RowTimeout:      500 * time.Millisecond,
	}
}

// readyBrowser has every element of a successful capture in place.
func readyBrowser(opts Options) *fakeBrowser {
	f := newFakeBrowser()
	s := NewSession(nil, nil, opts, nil)
	f.present[s.modeSelector().String()] = true
	f.present[filterSelector.String()] = true
	f.present[s.rowSelector().String()] = true
	f.counter = []string{"2", "2", "3"}
	lines := map[string]string{
		"device_id_str":  `  "device_id_str": "7312345678901234567",`,
		"new_user":       `  "new_user": 1,`,
		"install_id_str": `  "install_id_str": "7398765432109876543",`,
	}
	for key, line := range lines {
		f.present[detailSelector(key).String()] = true
		f.texts[detailSelector(key).String()] = line
	}
	return f
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func TestSessionCapturesRecord(t *testing.T) {
	opts := testOptions()
	browser := readyBrowser(opts)
	device := &fakeDevice{}

	ev, err := NewSession(browser, device, opts, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ev.DeviceIDStr != "7312345678901234567" || ev.NewUser != 1 || ev.InstallIDStr != "7398765432109876543" {
		t.Fatalf("unexpected record %+v", ev)
	}
	if device.taps != 3 {
		t.Fatalf("expected 3 taps, got %d", device.taps)
	}
	if len(device.launched) != 1 || device.launched[0] != opts.Package {
		t.Fatalf("expected one launch of %s, got %v", opts.Package, device.launched)
	}

	want := []string{
		"navigate https://app.httptoolkit.tech",
		`wait h1:has-text("Android Device via ADB")`,
		`click h1:has-text("Android Device via ADB")`,
		"wait .react-autosuggest__input",
		"fill .react-autosuggest__input " + opts.Filter,
		`wait div[role="row"]:has-text("/service/2/device_register/"):has(div:text-is("200"))`,
		`click div[role="row"]:has-text("/service/2/device_register/"):has(div:text-is("200"))`,
	}
	if got := strings.Join(browser.calls[:len(want)], "\n"); got != strings.Join(want, "\n") {
		t.Fatalf("unexpected call order:\n%s", got)
	}
}

func TestCounterNeverChanges(t *testing.T) {
	opts := testOptions()
	opts.CounterAttempts = 5
	browser := readyBrowser(opts)
	browser.counter = []string{"2"}
	device := &fakeDevice{}

	_, err := NewSession(browser, device, opts, quietLogger()).Run(context.Background())
	if err == nil || err.Error() != "Failed to detect count change after maximum attempts" {
		t.Fatalf("unexpected error %v", err)
	}
	if fault.KindOf(err) != fault.KindTimeout {
		t.Fatalf("expected timeout kind, got %s", fault.KindOf(err))
	}
	if device.taps != 5 {
		t.Fatalf("expected a tap per attempt, got %d", device.taps)
	}
	if browser.has("fill") {
		t.Fatal("filter input must not be touched")
	}
	if len(device.launched) != 0 {
		t.Fatal("app must not be launched")
	}
}

func TestUnreadableCounterCountsAsAttempt(t *testing.T) {
	opts := testOptions()
	opts.CounterAttempts = 3
	browser := readyBrowser(opts)
	browser.counter = nil
	device := &fakeDevice{}

	_, err := NewSession(browser, device, opts, quietLogger()).Run(context.Background())
	if fault.KindOf(err) != fault.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if device.taps != 0 {
		t.Fatalf("no tap without a counter reading, got %d", device.taps)
	}
}

func TestMissingNewUserIsDataIntegrityError(t *testing.T) {
	opts := testOptions()
	browser := readyBrowser(opts)
	browser.texts[detailSelector("new_user").String()] = `  "new_user": null,`

	_, err := NewSession(browser, &fakeDevice{}, opts, quietLogger()).Run(context.Background())
	if !errdefs.IsDataLoss(err) {
		t.Fatalf("expected data loss class, got %v", err)
	}
	if !strings.Contains(err.Error(), "new_user") {
		t.Fatalf("error should name the missing key: %v", err)
	}
}

func TestRowWaitIsBounded(t *testing.T) {
	opts := testOptions()
	opts.RowTimeout = 100 * time.Millisecond
	browser := readyBrowser(opts)
	delete(browser.present, NewSession(nil, nil, opts, nil).rowSelector().String())

	start := time.Now()
	_, err := NewSession(browser, &fakeDevice{}, opts, quietLogger()).Run(context.Background())
	if fault.KindOf(err) != fault.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("row wait not bounded")
	}
}

func TestCancelDuringSettleIsInterrupted(t *testing.T) {
	opts := testOptions()
	opts.SettleDelay = time.Minute
	browser := readyBrowser(opts)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := NewSession(browser, &fakeDevice{}, opts, quietLogger()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interruption, got %v", err)
	}
}

func TestDialogsAreCounted(t *testing.T) {
	opts := testOptions()
	browser := readyBrowser(opts)
	browser.dialogAt = "navigate " + opts.URL

	s := NewSession(browser, &fakeDevice{}, opts, quietLogger())
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Dialogs() != 1 {
		t.Fatalf("expected 1 dialog, got %d", s.Dialogs())
	}
}
