package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procpulse/procpulse/pkg/domain"
)

func TestTranslatePathed(t *testing.T) {
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	rec := RawRecord{
		Category:    domain.CategoryFileSystem,
		Timestamp:   ts,
		PID:         42,
		TID:         43,
		ProcessName: "postgres",
		Fields: map[string]string{
			FieldOperation: "OpenFile",
			FieldPath:      "/var/lib/pg/base",
			FieldResult:    domain.ResultAccessDenied,
			FieldErrorCode: "-13",
			FieldDuration:  "2500",
		},
	}

	ev, err := translatePathed(rec)
	require.NoError(t, err)
	assert.Equal(t, ts, ev.Timestamp)
	assert.Equal(t, "postgres", ev.ProcessName)
	assert.Equal(t, int32(42), ev.PID)
	assert.Equal(t, int32(43), ev.TID)
	assert.Equal(t, "OpenFile", ev.Operation)
	assert.Equal(t, "/var/lib/pg/base", ev.Path)
	assert.Equal(t, domain.ResultAccessDenied, ev.Result)
	assert.Equal(t, int32(-13), ev.ErrorCode)
	assert.Equal(t, 2500*time.Microsecond, ev.Duration)
}

func TestTranslatePathedRequiresOperation(t *testing.T) {
	_, err := translatePathed(RawRecord{
		Category: domain.CategoryFileSystem,
		Fields:   map[string]string{FieldPath: "/etc/hosts"},
	})
	assert.Error(t, err)
}

func TestTranslateMalformedFieldsAreBestEffort(t *testing.T) {
	ev, err := translatePathed(RawRecord{
		Category: domain.CategoryFileSystem,
		Fields: map[string]string{
			FieldOperation: "OpenFile",
			FieldErrorCode: "not-a-number",
			FieldDuration:  "-5",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), ev.ErrorCode)
	assert.Equal(t, time.Duration(0), ev.Duration)
	// A missing timestamp is filled in rather than left zero.
	assert.False(t, ev.Timestamp.IsZero())
}

func TestTranslateProcessExitCode(t *testing.T) {
	ev, err := translateProcess(RawRecord{
		Category:    domain.CategoryProcess,
		ProcessName: "worker",
		Fields: map[string]string{
			FieldOperation: "ProcessExit",
			"exit_code":    "137",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ProcessExit", ev.Operation)
	assert.Equal(t, "137", ev.Metadata["exit_code"])
}

func TestTranslateNetworkRemoteEndpoint(t *testing.T) {
	ev, err := translateNetwork(RawRecord{
		Category:    domain.CategoryNetwork,
		ProcessName: "curl",
		Fields: map[string]string{
			FieldOperation: "TCPConnect",
			"remote_addr":  "10.0.0.5:443",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:443", ev.Path)
}

func TestTranslateGenericNeverFails(t *testing.T) {
	ev, err := translateGeneric(RawRecord{Category: "mystery"})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryUnknown, ev.Category)
	assert.Equal(t, "Unknown", ev.Operation)
}

func TestTranslatorForUnknownCategory(t *testing.T) {
	ev, err := translatorFor("whatever")(RawRecord{})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryUnknown, ev.Category)
}

func TestProcNamesIgnoresInvalidPIDs(t *testing.T) {
	names := newProcNames()
	assert.Equal(t, "", names.resolve(0))
	assert.Equal(t, "", names.resolve(-5))
}
