package embedding

import (
	"context"
	"testing"
)

type countingEncoder struct {
	*MockEncoder
	calls int
}

func (c *countingEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.MockEncoder.EncodeText(ctx, text)
}

func TestCachingEncoder(t *testing.T) {
	inner := &countingEncoder{MockEncoder: NewMockEncoder(8)}
	enc := NewCachingEncoder(inner, 2)
	ctx := context.Background()

	a1, err := enc.EncodeText(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	a1[0] = 42 // must not corrupt the cache
	a2, _ := enc.EncodeText(ctx, "a")
	if inner.calls != 1 {
		t.Errorf("calls=%d, want 1", inner.calls)
	}
	if a2[0] == 42 {
		t.Error("cached embedding was mutated by caller")
	}

	_, _ = enc.EncodeText(ctx, "b")
	_, _ = enc.EncodeText(ctx, "c") // evicts a
	_, _ = enc.EncodeText(ctx, "a")
	if inner.calls != 4 {
		t.Errorf("calls=%d, want 4", inner.calls)
	}
	if enc.CacheLen() != 2 {
		t.Errorf("CacheLen=%d, want 2", enc.CacheLen())
	}
	if enc.Dimensions() != 8 {
		t.Errorf("Dimensions=%d", enc.Dimensions())
	}
}
