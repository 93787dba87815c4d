package main

import (
	"context"
	"fmt"

	"github.com/mikeyg42/camwatch/internal/config"
	"github.com/mikeyg42/camwatch/internal/recorderlog"
	"github.com/mikeyg42/camwatch/internal/storage"
)

// showBatch logs one batch recorded in the catalog, then returns.
func showBatch(ctx context.Context, cfg *config.Config, logger recorderlog.Logger, batchID string) error {
	if !cfg.CatalogEnabled() {
		return fmt.Errorf("batch lookup needs POSTGRES_DSN")
	}
	_, pgCfg := config.CreateStorageConfigs(cfg)
	catalog, err := storage.NewPostgresCatalog(ctx, pgCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open batch catalog: %w", err)
	}
	defer catalog.Close()

	row, files, err := catalog.GetBatch(ctx, batchID)
	if err != nil {
		if storage.IsNotExist(err) {
			return fmt.Errorf("batch %s not found", batchID)
		}
		return err
	}

	log := logger.Named("catalog").With(recorderlog.String("batch_id", row.BatchID))
	log.Info("Batch",
		recorderlog.String("container", row.Container),
		recorderlog.Int("files", row.FileCount),
		recorderlog.Int("uploaded", row.Uploaded),
		recorderlog.Int("failed", row.Failed),
		recorderlog.Time("started", row.StartedAt),
		recorderlog.Duration("took", row.FinishedAt.Sub(row.StartedAt)))
	for _, f := range files {
		fields := []recorderlog.Field{
			recorderlog.String("camera", f.CameraID),
			recorderlog.String("key", f.ObjectKey),
			recorderlog.String("status", f.Status),
			recorderlog.Int64("size", f.SizeBytes),
		}
		if f.LastError.Valid {
			fields = append(fields, recorderlog.String("error", f.LastError.String))
		}
		log.Info("Batch file", fields...)
	}
	return nil
}
