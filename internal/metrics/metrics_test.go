package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RecordsAllCounters(t *testing.T) {
	r := New(DefaultConfig())

	r.ObserveUpstream("reply", 120*time.Millisecond)
	r.IncUpstreamError("server")
	r.IncReplySent("normal", 7.5)
	r.IncProactiveSent("proactive_morning")
	r.MessagesReceivedTotal.Inc()
	r.TasksLeasedTotal.Inc()
	r.TasksCompletedTotal.WithLabelValues("done").Inc()
	r.TasksInFlight.Set(3)
	r.RecoveryGapMessagesTotal.Add(2)

	text, err := r.ExportText()
	require.NoError(t, err)
	body := string(text)

	for _, metric := range []string{
		"nikabridge_n8n_request_seconds",
		"nikabridge_n8n_errors_total",
		"nikabridge_messages_received_total",
		"nikabridge_replies_sent_total",
		"nikabridge_proactive_sent_total",
		"nikabridge_tasks_leased_total",
		"nikabridge_tasks_completed_total",
		"nikabridge_tasks_in_flight",
		"nikabridge_reply_delay_seconds",
		"nikabridge_recovery_gap_messages_total",
	} {
		assert.Contains(t, body, metric)
	}
}

func TestExportText_SortsMetricFamiliesByName(t *testing.T) {
	r := New(DefaultConfig())
	r.MessagesReceivedTotal.Inc()
	r.TasksLeasedTotal.Inc()

	text, err := r.ExportText()
	require.NoError(t, err)

	lines := strings.Split(string(text), "\n")
	var names []string
	for _, l := range lines {
		if strings.HasPrefix(l, "# HELP ") {
			fields := strings.Fields(l)
			if len(fields) >= 3 {
				names = append(names, fields[2])
			}
		}
	}
	require.NotEmpty(t, names)
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, names[i-1], names[i], "metric families should be sorted by name")
	}
}

func TestHandler_ServesPrometheusExposition(t *testing.T) {
	r := New(DefaultConfig())
	r.MessagesReceivedTotal.Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
