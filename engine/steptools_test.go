package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSleepDurationForms(t *testing.T) {
	tests := []struct {
		name     string
		in       any
		want     time.Duration
		wantName string
	}{
		{"duration", 90 * time.Second, 90 * time.Second, "90000"},
		{"milliseconds", int64(1500), 1500 * time.Millisecond, "1500"},
		{"human hour", "1h", time.Hour, "3600000"},
		{"human compound", "1h30m", 90 * time.Minute, "5400000"},
		{"plain seconds", "45s", 45 * time.Second, "45000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dur, name, err := sleepDuration(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, dur)
			require.Equal(t, tt.wantName, name)
		})
	}
}

func TestSleepDurationInvalid(t *testing.T) {
	_, _, err := sleepDuration("not-a-duration")
	require.Error(t, err)

	_, _, err = sleepDuration(3.5)
	require.Error(t, err)
}

func TestWaitForEventOptsValidation(t *testing.T) {
	valid := WaitForEventOpts{Event: "user/updated", Timeout: time.Minute, Match: "data.id"}
	require.NoError(t, valid.validate())

	both := WaitForEventOpts{Event: "user/updated", Timeout: time.Minute, Match: "data.id", If: "event.data.id == async.data.id"}
	require.ErrorContains(t, both.validate(), "mutually exclusive")

	noTimeout := WaitForEventOpts{Event: "user/updated"}
	require.ErrorContains(t, noTimeout.validate(), "timeout")
}

func TestValidateTrigger(t *testing.T) {
	require.NoError(t, ValidateTrigger(Trigger{Event: "user/created"}))
	require.NoError(t, ValidateTrigger(Trigger{Cron: "0 9 * * 1"}))
	require.Error(t, ValidateTrigger(Trigger{Cron: "not a schedule"}))
	require.Error(t, ValidateTrigger(Trigger{}))
}

func TestValidateFunctionConfig(t *testing.T) {
	ok := &FunctionConfig{ID: "fn", Triggers: []Trigger{{Event: "e"}}, Retries: 3}
	require.NoError(t, ValidateFunctionConfig(ok))

	require.Error(t, ValidateFunctionConfig(&FunctionConfig{Triggers: []Trigger{{Event: "e"}}}))
	require.Error(t, ValidateFunctionConfig(&FunctionConfig{ID: "fn"}))
	require.Error(t, ValidateFunctionConfig(&FunctionConfig{ID: "fn", Triggers: []Trigger{{Event: "e"}}, Retries: 21}))
}

func TestRetryAfterHeaderValue(t *testing.T) {
	byDelay := &RetryAfterError{Delay: 10 * time.Second}
	require.Equal(t, "10", byDelay.retryAfterHeaderValue())

	rounded := &RetryAfterError{Delay: 2500 * time.Millisecond}
	require.Equal(t, "3", rounded.retryAfterHeaderValue(), "partial seconds round up")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	byDate := &RetryAfterError{At: at}
	require.Equal(t, "2026-03-01T12:00:00Z", byDate.retryAfterHeaderValue())
}
