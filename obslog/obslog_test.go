// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package obslog_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/joeycumines/logiface"

	"code.hybscloud.com/zerocp/obslog"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("decoding log line %q: %v", line, err)
	}
	return m
}

func TestNewLogsJSONAtOrAboveConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := obslog.New(obslog.Config{Writer: &buf, Level: logiface.LevelInformational})

	logger.Info().Str("pool", "small").Int("chunk_size", 64).Log("chunk allocated")

	m := decodeLine(t, &buf)
	if m["message"] != "chunk allocated" {
		t.Fatalf("unexpected message field: %+v", m)
	}
	if m["pool"] != "small" {
		t.Fatalf("expected pool field to survive encoding: %+v", m)
	}
}

func TestNewSuppressesEventsBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := obslog.New(obslog.Config{Writer: &buf, Level: logiface.LevelError})

	logger.Info().Str("ignored", "yes").Log("should not appear")

	if buf.Len() != 0 {
		t.Fatalf("expected no output below configured level, got %q", buf.String())
	}
}

func TestNewAttachesComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := obslog.New(obslog.Config{Writer: &buf, Component: "router"})

	logger.Info().Log("daemon started")

	m := decodeLine(t, &buf)
	if m["component"] != "router" {
		t.Fatalf("expected component=router, got %+v", m)
	}
}

func TestNewDefaultsToStderrWithoutPanicking(t *testing.T) {
	logger := obslog.New(obslog.Config{})
	logger.Debug().Log("this line is below the default info threshold and is dropped")
}
