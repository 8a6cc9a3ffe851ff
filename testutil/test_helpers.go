package testutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"
)

// eventuallyPoll is how often Eventually re-evaluates its condition.
const eventuallyPoll = 5 * time.Millisecond

// failure reports a failed check, fatally or not, with the caller's
// optional message appended.
func failure(t testing.TB, fatal bool, msgAndArgs []any, format string, args ...any) {
	t.Helper()
	text := fmt.Sprintf(format, args...)
	if msg := FormatMsgAndArgs(msgAndArgs...); msg != "" {
		text += "\n" + msg
	}
	if fatal {
		t.Fatal(text)
	}
	t.Error(text)
}

// FormatMsgAndArgs renders the optional trailing arguments of an assertion.
// A leading string is used as a format for the rest.
func FormatMsgAndArgs(msgAndArgs ...any) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	format, ok := msgAndArgs[0].(string)
	switch {
	case !ok:
		return fmt.Sprintf("Message: %v", msgAndArgs)
	case len(msgAndArgs) == 1:
		return "Message: " + format
	default:
		return "Message: " + fmt.Sprintf(format, msgAndArgs[1:]...)
	}
}

// isNil also treats typed nils held in an interface as nil.
func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

func lengthOf(object any) (int, bool) {
	v := reflect.ValueOf(object)
	switch v.Kind() {
	case reflect.Array, reflect.Chan, reflect.Map, reflect.Slice, reflect.String:
		return v.Len(), true
	default:
		return 0, false
	}
}

// callerInfo returns dir/file.go:line of the test calling an assertion.
func callerInfo() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file)), line)
}

func AssertEqual(t testing.TB, expected, actual any, msgAndArgs ...any) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		failure(t, false, msgAndArgs, "Not equal:\nexpected: %v\nactual  : %v", expected, actual)
	}
}

func AssertTrue(t testing.TB, condition bool, msgAndArgs ...any) {
	t.Helper()
	if !condition {
		failure(t, false, msgAndArgs, "Expected condition to be true")
	}
}

func AssertFalse(t testing.TB, condition bool, msgAndArgs ...any) {
	t.Helper()
	if condition {
		failure(t, false, msgAndArgs, "Expected condition to be false")
	}
}

func AssertNoError(t testing.TB, err error, msgAndArgs ...any) {
	t.Helper()
	if err != nil {
		failure(t, false, msgAndArgs, "Unexpected error: %v", err)
	}
}

func AssertError(t testing.TB, err error, msgAndArgs ...any) {
	t.Helper()
	if err == nil {
		failure(t, false, msgAndArgs, "Expected an error but got nil")
	}
}

// AssertErrorIs checks err against a sentinel with errors.Is.
func AssertErrorIs(t testing.TB, err, target error, msgAndArgs ...any) {
	t.Helper()
	if !errors.Is(err, target) {
		failure(t, false, msgAndArgs, "Expected error to be %v but got %v", target, err)
	}
}

func AssertLen(t testing.TB, object any, length int, msgAndArgs ...any) {
	t.Helper()
	n, ok := lengthOf(object)
	if !ok {
		failure(t, false, msgAndArgs, "Cannot take the length of %T", object)
		return
	}
	if n != length {
		failure(t, false, msgAndArgs, "Length not equal:\nexpected: %d\nactual  : %d", length, n)
	}
}

func AssertEmpty(t testing.TB, object any, msgAndArgs ...any) {
	t.Helper()
	if n, ok := lengthOf(object); !ok || n != 0 {
		failure(t, false, msgAndArgs, "Expected empty but got %#v", object)
	}
}

func AssertContains(t testing.TB, s, substr string, msgAndArgs ...any) {
	t.Helper()
	if !strings.Contains(s, substr) {
		failure(t, false, msgAndArgs, "Expected string to contain substring:\nstring   : %q\nsubstring: %q", s, substr)
	}
}

// AssertNil stops the test when actual is not nil.
func AssertNil(t *testing.T, actual any, msgAndArgs ...any) {
	t.Helper()
	if !isNil(actual) {
		failure(t, true, msgAndArgs, "%s: Expected value to be nil, but was: %#v", callerInfo(), actual)
	}
}

func AssertNotNil(t testing.TB, object any, msgAndArgs ...any) {
	t.Helper()
	if isNil(object) {
		failure(t, false, msgAndArgs, "Expected not nil but got %#v", object)
	}
}

// RequireNoError stops the test on error.
func RequireNoError(t testing.TB, err error, msgAndArgs ...any) {
	t.Helper()
	if err != nil {
		failure(t, true, msgAndArgs, "Required no error but got: %v", err)
	}
}

// RequireNotNil stops the test on a nil value.
func RequireNotNil(t testing.TB, object any, msgAndArgs ...any) {
	t.Helper()
	if isNil(object) {
		failure(t, true, msgAndArgs, "Required not nil but got %#v", object)
	}
}

// Eventually polls cond until it returns true or the timeout elapses, then
// stops the test.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			failure(t, true, msgAndArgs, "Condition not met within %v", timeout)
			return
		}
		time.Sleep(eventuallyPoll)
	}
}
