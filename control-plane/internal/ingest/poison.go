package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/config"
	"github.com/pilot-net/svcmon/pkg/queue"
	"github.com/pilot-net/svcmon/pkg/types"
)

// FailedImportStore persists poison messages.
type FailedImportStore interface {
	SaveFailedImport(ctx context.Context, fi types.FailedImport) error
}

// PoisonHandler diverts messages that could not be imported. The store is
// tried first; if it is unavailable the message is written as JSON under
// dir/<category>/.
type PoisonHandler struct {
	store  FailedImportStore
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewPoisonHandler creates a poison handler. dir may be empty to disable the
// file fallback.
func NewPoisonHandler(store FailedImportStore, dir string, logger *slog.Logger) *PoisonHandler {
	return &PoisonHandler{
		store:  store,
		dir:    dir,
		logger: logger.With("component", "poison_handler"),
		now:    time.Now,
	}
}

// Divert records the delivery as a failed import. It returns an error only
// if neither the store nor the file fallback accepted the record.
func (h *PoisonHandler) Divert(ctx context.Context, category types.ImportCategory, d queue.Delivery, reason error) error {
	fi := types.FailedImport{
		ID:            types.DeterministicID(string(category), d.StreamID, d.Message.ID),
		Category:      category,
		Message:       d.Message,
		FailureReason: reason.Error(),
		Attempts:      d.Attempt,
		FailedAt:      h.now().UTC(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, config.StoreWriteTimeout)
	storeErr := h.store.SaveFailedImport(storeCtx, fi)
	cancel()
	if storeErr == nil {
		h.logger.Warn("message diverted to failed imports",
			"category", category,
			"message_id", d.Message.ID,
			"attempts", d.Attempt,
			"reason", fi.FailureReason,
		)
		return nil
	}

	h.logger.Error("failed to store failed import, writing to disk",
		"category", category,
		"message_id", d.Message.ID,
		"error", storeErr,
	)

	path, fileErr := h.writeFile(fi)
	if fileErr != nil {
		return errors.Join(
			fmt.Errorf("storing failed import: %w", storeErr),
			fmt.Errorf("writing failed import file: %w", fileErr),
		)
	}
	h.logger.Warn("message diverted to failed import file",
		"category", category,
		"message_id", d.Message.ID,
		"path", path,
	)
	return nil
}

func (h *PoisonHandler) writeFile(fi types.FailedImport) (string, error) {
	if h.dir == "" {
		return "", errors.New("no failed imports directory configured")
	}
	dir := filepath.Join(h.dir, string(fi.Category))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(fi, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, fi.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}
