package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/onebox-labs/onebox/internal/bus"
	"github.com/onebox-labs/onebox/internal/classify"
	"github.com/onebox-labs/onebox/internal/index"
	"github.com/onebox-labs/onebox/internal/models"
)

// insertRetryDelays is the ladder applied when the index reports a
// transient failure. After the last rung the message is abandoned.
var insertRetryDelays = []time.Duration{200 * time.Millisecond, 800 * time.Millisecond, 3 * time.Second}

// Pipeline turns raw IMAP messages into indexed, classified, announced
// messages. It is stateless; callers serialize per agent, concurrency
// across agents is unbounded.
type Pipeline struct {
	index      index.Index
	classifier classify.Classifier
	bus        *bus.Bus

	duplicates atomic.Uint64
	abandoned  atomic.Uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(idx index.Index, classifier classify.Classifier, b *bus.Bus) *Pipeline {
	return &Pipeline{
		index:      idx,
		classifier: classifier,
		bus:        b,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Duplicates reports how many messages were dropped as already indexed.
func (p *Pipeline) Duplicates() uint64 { return p.duplicates.Load() }

// Abandoned reports how many messages were dropped after retry exhaustion.
func (p *Pipeline) Abandoned() uint64 { return p.abandoned.Load() }

// Ingest processes one raw message: dedupe, classify, index, announce.
// A duplicate is not an error. A transient index failure is retried on the
// ladder; exhaustion abandons the message and returns the last error.
func (p *Pipeline) Ingest(ctx context.Context, key models.AccountKey, folder string, raw *models.RawMessage) error {
	id := models.MessageID(key.UserID, key.Email, raw.UID)

	exists, err := p.index.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("checking index for %s: %w", id, err)
	}
	if exists {
		p.duplicates.Add(1)
		return nil
	}

	body := extractBody(raw.Source)
	now := p.now()

	msg := models.StoredMessage{
		ID:        id,
		UserID:    key.UserID,
		Email:     key.Email,
		Folder:    folder,
		UID:       raw.UID,
		Subject:   raw.Envelope.Subject,
		From:      raw.Envelope.From,
		To:        raw.Envelope.To,
		Date:      raw.Envelope.Date,
		Body:      body,
		Category:  models.CategoryUncategorized,
		CreatedAt: now,
		UpdatedAt: now,
	}

	msg.Category = p.classifier.Classify(ctx, classify.Input{
		Subject: msg.Subject,
		Body:    msg.Body,
		From:    msg.From,
	})

	if err := p.insertWithRetry(ctx, &msg); err != nil {
		if errors.Is(err, index.ErrConflict) {
			p.duplicates.Add(1)
			return nil
		}
		p.abandoned.Add(1)
		slog.Error("abandoning message after retries",
			"id", id, "userId", key.UserID, "email", key.Email, "error", err)
		return err
	}

	p.bus.Publish(bus.TopicNewMessage, models.NewMessageEvent{
		ID:      uuid.New(),
		UserID:  key.UserID,
		Email:   key.Email,
		Message: msg,
		At:      p.now(),
	})
	return nil
}

func (p *Pipeline) insertWithRetry(ctx context.Context, msg *models.StoredMessage) error {
	err := p.index.Insert(ctx, msg)
	for attempt := 0; errors.Is(err, index.ErrTransient) && attempt < len(insertRetryDelays); attempt++ {
		if sleepErr := p.sleep(ctx, insertRetryDelays[attempt]); sleepErr != nil {
			return sleepErr
		}
		err = p.index.Insert(ctx, msg)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// extractBody pulls a plain-text body out of the raw RFC 822 source,
// preferring the text/plain MIME part, then the first text/html part, and
// falling back to the whole payload. Invalid UTF-8 is replaced throughout.
func extractBody(source []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(source))
	if err != nil {
		return strings.ToValidUTF8(string(source), "�")
	}
	defer mr.Close()

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		data, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			return strings.ToValidUTF8(string(data), "�")
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(data)
		}
	}

	if htmlBody != "" {
		return strings.ToValidUTF8(htmlBody, "�")
	}
	return strings.ToValidUTF8(string(source), "�")
}
