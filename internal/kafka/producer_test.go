package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestProducer_PublishAfterCloseDrops(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, 4, zap.NewNop())

	p.Publish("orders", []byte("k"), []byte("before"))
	p.Close()
	p.Close()

	assert.NotPanics(t, func() { p.Publish("orders", []byte("k"), []byte("after")) })

	var got []string
	for m := range p.inbox {
		got = append(got, string(m.Value))
	}
	assert.Equal(t, []string{"before"}, got)
}
