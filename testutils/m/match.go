// Package m contains matchers for server frames, for use in tests.
package m

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

type FrameMatcher func(frame gjson.Result) error

// LogFrame builds a matcher that always succeeds. As a side-effect, it prints the frame
// to the test log. This is useful when debugging a test.
func LogFrame(t *testing.T) FrameMatcher {
	return func(frame gjson.Result) error {
		t.Logf("Frame was: %s", frame.Raw)
		return nil
	}
}

func MatchType(wantType string) FrameMatcher {
	return func(frame gjson.Result) error {
		if got := frame.Get("type").Str; got != wantType {
			return fmt.Errorf("MatchType: got %q want %q", got, wantType)
		}
		return nil
	}
}

// MatchString checks that the string at path equals want.
func MatchString(path, want string) FrameMatcher {
	return func(frame gjson.Result) error {
		got := frame.Get(path)
		if !got.Exists() {
			return fmt.Errorf("MatchString: %s missing", path)
		}
		if got.Str != want {
			return fmt.Errorf("MatchString: %s got %q want %q", path, got.Str, want)
		}
		return nil
	}
}

// MatchRaw checks that the JSON at path is byte-for-byte wantJSON once whitespace is
// removed.
func MatchRaw(path, wantJSON string) FrameMatcher {
	return func(frame gjson.Result) error {
		got := frame.Get(path)
		if !got.Exists() {
			return fmt.Errorf("MatchRaw: %s missing", path)
		}
		if compact(got.Raw) != compact(wantJSON) {
			return fmt.Errorf("MatchRaw: %s got %s want %s", path, got.Raw, wantJSON)
		}
		return nil
	}
}

func MatchAbsent(path string) FrameMatcher {
	return func(frame gjson.Result) error {
		if frame.Get(path).Exists() {
			return fmt.Errorf("MatchAbsent: %s present: %s", path, frame.Get(path).Raw)
		}
		return nil
	}
}

// MatchUser checks the "user" object of user-joined and user-left frames.
func MatchUser(userID, username string) FrameMatcher {
	return func(frame gjson.Result) error {
		if err := MatchString("user.userId", userID)(frame); err != nil {
			return err
		}
		return MatchString("user.username", username)(frame)
	}
}

// MatchActiveUsers checks the user IDs in activeUsers, in order.
func MatchActiveUsers(wantUserIDs ...string) FrameMatcher {
	return func(frame gjson.Result) error {
		active := frame.Get("activeUsers")
		if !active.IsArray() {
			return fmt.Errorf("MatchActiveUsers: activeUsers is not an array: %s", active.Raw)
		}
		var got []string
		for _, u := range active.Array() {
			got = append(got, u.Get("userId").Str)
		}
		if strings.Join(got, ",") != strings.Join(wantUserIDs, ",") {
			return fmt.Errorf("MatchActiveUsers: got %v want %v", got, wantUserIDs)
		}
		return nil
	}
}

const AnsiRedForeground = "\x1b[31m"
const AnsiResetForeground = "\x1b[39m"

func MatchFrame(t *testing.T, frame []byte, matchers ...FrameMatcher) {
	t.Helper()
	if !gjson.ValidBytes(frame) {
		t.Errorf("%vMatchFrame: not JSON: %s%v", AnsiRedForeground, string(frame), AnsiResetForeground)
		return
	}
	parsed := gjson.ParseBytes(frame)
	for _, m := range matchers {
		if err := m(parsed); err != nil {
			t.Errorf("%vMatchFrame: %s\n%s%v", AnsiRedForeground, err, string(frame), AnsiResetForeground)
		}
	}
}

func CheckFrame(frame []byte, matchers ...FrameMatcher) error {
	parsed := gjson.ParseBytes(frame)
	for _, m := range matchers {
		if err := m(parsed); err != nil {
			return fmt.Errorf("CheckFrame: %s", err)
		}
	}
	return nil
}

func compact(s string) string {
	return gjson.Get(s, "@ugly").Raw
}
