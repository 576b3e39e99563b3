// SPDX-License-Identifier: MIT

package capture

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const sampleWmctrlOutput = `0x02600003  0 100  200  800  600  host Mozilla Firefox
0x02a0000b  0 50   50   1024 768  host Visual Studio Code
0x03400001  0 0    0    1920 1080 host Desktop
`

func stubResolver(output string, err error) *Resolver {
	return &Resolver{run: func(ctx context.Context) ([]byte, error) {
		if err != nil {
			return nil, err
		}
		return []byte(output), nil
	}}
}

func TestParseWmctrlOutput(t *testing.T) {
	windows := parseWmctrlOutput([]byte(sampleWmctrlOutput))
	if len(windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(windows))
	}
	if windows[0].Title != "Mozilla Firefox" {
		t.Errorf("Title = %q, want %q", windows[0].Title, "Mozilla Firefox")
	}
	if windows[0].X != 100 || windows[0].Y != 200 {
		t.Errorf("X,Y = %d,%d, want 100,200", windows[0].X, windows[0].Y)
	}
	if windows[1].Width != 1024 || windows[1].Height != 768 {
		t.Errorf("Width,Height = %d,%d, want 1024,768", windows[1].Width, windows[1].Height)
	}
}

func TestResolverFindExactMatch(t *testing.T) {
	r := stubResolver(sampleWmctrlOutput, nil)
	w, err := r.Find("Visual Studio Code", "")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if w.X != 50 || w.Y != 50 {
		t.Errorf("X,Y = %d,%d, want 50,50", w.X, w.Y)
	}
}

func TestResolverFindSubstringMatch(t *testing.T) {
	r := stubResolver(sampleWmctrlOutput, nil)
	w, err := r.Find("firefox", "")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if w.Title != "Mozilla Firefox" {
		t.Errorf("Title = %q, want Mozilla Firefox", w.Title)
	}
}

func TestResolverFindNoMatch(t *testing.T) {
	r := stubResolver(sampleWmctrlOutput, nil)
	if _, err := r.Find("Nonexistent Window", ""); err == nil {
		t.Error("expected error for no match")
	}
}

func TestResolverFindRequiresSelector(t *testing.T) {
	r := stubResolver(sampleWmctrlOutput, nil)
	if _, err := r.Find("", ""); err == nil {
		t.Error("expected error when neither title nor class set")
	}
}

func TestResolverFindPropagatesRunError(t *testing.T) {
	r := stubResolver("", errors.New("no X11 display"))
	if _, err := r.Find("anything", ""); err == nil {
		t.Error("expected error to propagate")
	}
}

func TestListWindowsText(t *testing.T) {
	windows := []Window{{Title: "Firefox", Class: "Navigator.firefox"}}
	got := ListWindowsText(windows)
	if !strings.Contains(got, "Firefox\tNavigator.firefox") {
		t.Errorf("ListWindowsText = %q, missing expected tab-separated row", got)
	}
}
