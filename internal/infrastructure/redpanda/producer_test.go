package redpanda

import "testing"

func TestCompressionCodec(t *testing.T) {
	for _, name := range []string{"", "none", "lz4", "snappy", "gzip", "zstd"} {
		if _, err := compressionCodec(name); err != nil {
			t.Errorf("compressionCodec(%q): %v", name, err)
		}
	}
	if _, err := compressionCodec("brotli"); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func TestProducerOpts(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ProducerConfig)
		wantErr bool
	}{
		{"defaults", func(*ProducerConfig) {}, false},
		{"leader acks", func(c *ProducerConfig) { c.RequiredAcks = 1 }, false},
		{"no acks", func(c *ProducerConfig) { c.RequiredAcks = 0 }, false},
		{"bad acks", func(c *ProducerConfig) { c.RequiredAcks = 2 }, true},
		{"bad codec", func(c *ProducerConfig) { c.Compression = "rar" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultProducerConfig()
			tt.mutate(&cfg)
			_, err := producerOpts(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("producerOpts() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewProducerStatsStartAtZero(t *testing.T) {
	p, err := NewProducer(DefaultProducerConfig(), nil)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.client.Close()

	if s := p.Stats(); s != (ProducerStats{}) {
		t.Errorf("Stats() = %+v, want zero", s)
	}
}
