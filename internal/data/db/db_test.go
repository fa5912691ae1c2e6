package db

import (
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yungbote/graphstage/internal/platform/logger"
)

func TestOpenRoutesGormLogsThroughLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	gdb, err := Open("sqlite:"+filepath.Join(t.TempDir(), "ledger.db"), log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}
	if logs.FilterMessage("ledger database ready").Len() != 1 {
		t.Fatalf("ready entry missing: %+v", logs.All())
	}

	if err := gdb.Exec("SELECT * FROM no_such_table").Error; err == nil {
		t.Fatalf("query on a missing table must fail")
	}
	found := false
	for _, e := range logs.All() {
		if strings.Contains(e.Message, "no_such_table") {
			found = true
		}
	}
	if !found {
		t.Fatalf("gorm error not logged through zap: %+v", logs.All())
	}
}

func TestOpenRejectsUnknownDSN(t *testing.T) {
	if _, err := Open("mysql://root@localhost/ledger", nil); err == nil {
		t.Fatalf("unsupported dsn must fail")
	}
}
