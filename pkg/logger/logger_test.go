package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestInitWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json.log")
	if err := Init(Options{Level: "warn", JSONFile: path, Truncate: true}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Options{}) })

	Info("не должно попасть в файл")
	Warn("Поток разорван", zap.Int("attempt", 2))
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if strings.Contains(text, "не должно попасть") {
		t.Errorf("info written at warn level:\n%s", text)
	}
	if !strings.Contains(text, `"level":"WARN"`) || !strings.Contains(text, `"attempt":2`) {
		t.Errorf("warn line missing:\n%s", text)
	}
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	if err := Init(Options{Level: "loud"}); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestNopBeforeInit(t *testing.T) {
	if err := Init(Options{}); err != nil {
		t.Fatal(err)
	}
	if GetLogger().Core().Enabled(zap.ErrorLevel) {
		t.Error("logger without outputs should be a no-op")
	}
}
