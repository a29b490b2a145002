package kafka

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Concrete franz-go based constructor and client wrappers.

type Config struct {
	Brokers     []string
	TLS         *tls.Config
	ClientID    string
	Compression []kgo.CompressionCodec
	// AutoCreateTopics lets the producer create missing topics. Mandatory sends then never fail as unroutable.
	AutoCreateTopics bool
}

func (c Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}

	if c.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(c.TLS))
	}

	return opts
}

type kgoProducer struct{ cl *kgo.Client }

func (p kgoProducer) ProduceSync(ctx context.Context, rec *kgo.Record) error {
	return p.cl.ProduceSync(ctx, rec).FirstErr()
}

type kgoConsumer struct{ cl *kgo.Client }

func (c kgoConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	fs := c.cl.PollFetches(ctx)
	if fs.IsClientClosed() {
		return nil, berr.ErrClosed
	}

	if errs := fs.Errors(); len(errs) > 0 {
		fe := errs[0]
		return nil, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
	}

	return fs.Records(), nil
}

func (c kgoConsumer) Commit(ctx context.Context, recs ...*kgo.Record) error {
	return c.cl.CommitRecords(ctx, recs...)
}

func (c kgoConsumer) Close() { c.cl.Close() }

// NewWithKgo builds a franz-go client based Adapter. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config) (*Adapter, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("kafka: brokers required: %w", berr.ErrConfigInvalid)
	}

	opts := append(cfg.baseOpts(), kgo.RequiredAcks(kgo.AllISRAcks()))
	if len(cfg.Compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression...))
	}

	if cfg.AutoCreateTopics {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka client init: %w", err)
	}

	consumers := func(group string, topics []string) (Consumer, error) {
		cc, err := kgo.NewClient(append(cfg.baseOpts(),
			kgo.ConsumerGroup(group),
			kgo.ConsumeTopics(topics...),
			kgo.DisableAutoCommit(),
		)...)
		if err != nil {
			return nil, err
		}

		return kgoConsumer{cl: cc}, nil
	}

	ad := New(kgoProducer{cl: cl}, consumers)
	cleanup := func() { cl.Close() }
	ad.cleanup = cleanup

	return ad, cleanup, nil
}
