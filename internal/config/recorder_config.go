// helper functions mapping the main config onto the storage package types,
// kept here so storage never imports config.
package config

import (
	"github.com/mikeyg42/camwatch/internal/notification"
	"github.com/mikeyg42/camwatch/internal/storage"
)

// CreateStorageConfigs maps main config to storage-package-specific types
func CreateStorageConfigs(cfg *Config) (storage.MinIOConfig, storage.PostgresConfig) {
	minioCfg := storage.MinIOConfig{
		Endpoint:        cfg.Storage.MinIO.Endpoint,
		AccessKeyID:     cfg.Storage.MinIO.AccessKeyID,
		SecretAccessKey: cfg.Storage.MinIO.SecretAccessKey,
		UseSSL:          cfg.Storage.MinIO.UseSSL,
		Region:          cfg.Storage.MinIO.Region,
		MaxUploads:      cfg.Storage.MinIO.MaxUploads,
		ConnectTimeout:  cfg.Storage.MinIO.ConnectTimeout,
		MaxRetries:      cfg.Storage.MinIO.MaxRetries,
		RetryBackoff:    cfg.Storage.MinIO.RetryBackoff,
	}

	pgCfg := storage.PostgresConfig{
		DSN:             cfg.Storage.Postgres.DSN,
		MaxConnections:  cfg.Storage.Postgres.MaxConnections,
		ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
	}

	return minioCfg, pgCfg
}

// CreateMQTTConfig maps the notify section to the notification package.
func CreateMQTTConfig(cfg *Config) notification.MQTTConfig {
	m := cfg.Notify.MQTT
	return notification.MQTTConfig{
		Host:           m.Host,
		Port:           m.Port,
		Username:       m.Username,
		Password:       m.Password,
		ClientID:       m.ClientID,
		Topic:          m.Topic,
		QoS:            byte(m.QoS),
		PublishTimeout: m.PublishTimeout,
	}
}
