package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"
	"github.com/rs/zerolog"

	"yield-alerts/internal/monitor"
)

// ElasticOptions configure the alert archive.
type ElasticOptions struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
}

// alertDoc is the document indexed per alert.
type alertDoc struct {
	Timestamp string `json:"@timestamp"`
	monitor.Alert
}

// ElasticArchiver indexes every alert into Elasticsearch, one document per
// alert id.
type ElasticArchiver struct {
	client *elasticsearch.Client
	index  string
	logger zerolog.Logger
}

// NewElasticArchiver creates the archive client.
func NewElasticArchiver(opts ElasticOptions, logger zerolog.Logger) (*ElasticArchiver, error) {
	if len(opts.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch addresses are required")
	}
	if opts.Index == "" {
		opts.Index = "yieldwatch-alerts"
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ElasticArchiver{
		client: client,
		index:  opts.Index,
		logger: logger.With().Str("component", "alert_elasticsearch").Logger(),
	}, nil
}

func (a *ElasticArchiver) Channel() string { return monitor.ChannelElasticsearch }

// Notify indexes the alert. Re-delivery overwrites the same document.
func (a *ElasticArchiver) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(alertDoc{
		Timestamp: note.Alert.Timestamp.UTC().Format(time.RFC3339Nano),
		Alert:     note.Alert,
	})
	if err != nil {
		return fmt.Errorf("marshal alert document: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      a.index,
		DocumentID: note.Alert.ID,
		Body:       bytes.NewReader(body),
		Refresh:    "false",
	}
	res, err := req.Do(ctx, a.client)
	if err != nil {
		return &DeliveryError{Channel: a.Channel(), Target: a.index, Err: err}
	}
	defer res.Body.Close()
	if res.IsError() {
		return &DeliveryError{Channel: a.Channel(), Target: a.index, Err: esResponseError(res)}
	}

	a.logger.Debug().Str("alert_id", note.Alert.ID).Str("index", a.index).Msg("alert archived")
	return nil
}

// Close releases the client.
func (a *ElasticArchiver) Close() error {
	return a.client.Close(context.Background())
}

func esResponseError(res *esapi.Response) error {
	var e struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	_ = json.NewDecoder(res.Body).Decode(&e)
	if e.Error.Reason != "" {
		return fmt.Errorf("status %d: %s: %s", res.StatusCode, e.Error.Type, e.Error.Reason)
	}
	return fmt.Errorf("status %d", res.StatusCode)
}

var _ Notifier = (*ElasticArchiver)(nil)
