package notify

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/cimillas/unitvault/internal/logging"
)

func TestLogNotifier_OmitsPayloads(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := NewLogNotifier(logging.NewTestLogger(&buf))

	if err := n.Notify(context.Background(), "buyer-1", testBundle()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"order_id":"ORD1"`) || !strings.Contains(out, "order_ORD1_p1.txt") {
		t.Fatalf("expected order and file name in log, got %q", out)
	}
	if strings.Contains(out, "CODE-1") {
		t.Fatalf("payload leaked into log: %q", out)
	}
}
