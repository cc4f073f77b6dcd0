package database

import (
	"context"
	"fmt"
	"time"

	"smt-cosched/internal/config"
	"smt-cosched/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"
)

// InfluxDBClient records probe evaluations and committed configurations
// for offline analysis. It satisfies the placement scheduler's result
// sink.
type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
	hostname string
	logger   *logrus.Logger
}

func NewInfluxDBClient(cfg config.DatabaseConfig, hostname string) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}
	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":   cfg.Host,
			"status": health.Status,
		}).Error("InfluxDB health check failed")
		return nil, fmt.Errorf("influxdb health status %q", health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		hostname: hostname,
		logger:   logger,
	}, nil
}

// RecordProbe writes one probe evaluation. A failed write is logged and
// dropped: measurement export never disturbs scheduling.
func (idb *InfluxDBClient) RecordProbe(pass int, configIndex int, stp float64, committed bool) {
	point := influxdb2.NewPoint(
		"placement_probe",
		map[string]string{
			"host":      idb.hostname,
			"committed": fmt.Sprintf("%t", committed),
		},
		map[string]interface{}{
			"pass":         pass,
			"config_index": configIndex,
			"stp":          stp,
		},
		time.Now(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		idb.logger.WithError(err).Warn("Failed to write probe result")
	}
}

func (idb *InfluxDBClient) Close() {
	idb.client.Close()
}
