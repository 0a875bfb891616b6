// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-relay/internal/config"
)

// uploadTimeout limita o PutObject de um segmento.
const uploadTimeout = 10 * time.Minute

// s3Client é a fatia do client S3 que o uploader usa (injetável em testes).
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader varre os diretórios de segmentos num agendamento cron e faz
// offload dos segmentos comitados para S3, removendo o local após o
// upload. Um segmento que falha fica para a próxima varredura.
type Uploader struct {
	cfg     config.ArchiveConfig
	streams []string
	logger  *slog.Logger
	client  s3Client
	cron    *cron.Cron
}

// NewUploader cria o uploader resolvendo as credenciais pela cadeia
// default do SDK (env, shared config, IMDS).
func NewUploader(ctx context.Context, cfg config.ArchiveConfig, streams []string, logger *slog.Logger) (*Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &Uploader{
		cfg:     cfg,
		streams: streams,
		logger:  logger.With("component", "uploader"),
		client:  s3.NewFromConfig(awsCfg),
	}, nil
}

// Start agenda as varreduras e retorna. Stop() encerra o cron.
func (u *Uploader) Start(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(u.logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(u.cfg.S3.Schedule, func() {
		u.Scan(ctx)
	}); err != nil {
		return fmt.Errorf("adding upload cron job: %w", err)
	}

	u.cron = c
	c.Start()
	u.logger.Info("uploader scheduled",
		"bucket", u.cfg.S3.Bucket,
		"schedule", u.cfg.S3.Schedule,
	)
	return nil
}

// Stop encerra o agendamento aguardando um job em andamento.
func (u *Uploader) Stop(ctx context.Context) {
	if u.cron == nil {
		return
	}
	stopCtx := u.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		u.logger.Warn("uploader stop timed out")
	}
}

// Scan faz o offload de todos os segmentos comitados de todos os streams.
func (u *Uploader) Scan(ctx context.Context) {
	for _, stream := range u.streams {
		dir := filepath.Join(u.cfg.Dir, stream)
		segments, err := committedSegments(dir, u.cfg.FileExtension())
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				u.logger.Warn("scanning segments", "stream", stream, "error", err)
			}
			continue
		}

		for _, name := range segments {
			if err := u.uploadOne(ctx, stream, dir, name); err != nil {
				u.logger.Warn("segment upload failed", "stream", stream, "segment", name, "error", err)
				continue
			}
		}
	}
}

func (u *Uploader) uploadOne(ctx context.Context, stream, dir, name string) error {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}

	key := filepath.ToSlash(filepath.Join(u.cfg.S3.Prefix, stream, name))

	upCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	_, putErr := u.client.PutObject(upCtx, &s3.PutObjectInput{
		Bucket: &u.cfg.S3.Bucket,
		Key:    &key,
		Body:   f,
	})
	f.Close()
	if putErr != nil {
		return fmt.Errorf("putting object %s: %w", key, putErr)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing uploaded segment: %w", err)
	}

	u.logger.Info("segment uploaded", "stream", stream, "key", key)
	return nil
}
