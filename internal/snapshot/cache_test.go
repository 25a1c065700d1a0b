package snapshot

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestEmptyCache(t *testing.T) {
	var c Cache
	if c.HasFrame() {
		t.Error("zero Cache reports a frame")
	}
	if _, ok := c.Peek(); ok {
		t.Error("Peek on empty cache returned ok")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	c := New()
	c.Publish(Snapshot{JPEG: []byte{1, 2, 3}, Width: 4, Height: 2, Effect: "Grayscale"})

	for i := 0; i < 3; i++ {
		s, ok := c.Peek()
		if !ok {
			t.Fatalf("Peek #%d: no frame", i)
		}
		if s.Width != 4 || s.Effect != "Grayscale" || !bytes.Equal(s.JPEG, []byte{1, 2, 3}) {
			t.Errorf("Peek #%d = %+v", i, s)
		}
	}
}

func TestPublishOverwrites(t *testing.T) {
	c := New()
	c.Publish(Snapshot{Width: 1})
	c.Publish(Snapshot{Width: 2})
	if s, _ := c.Peek(); s.Width != 2 {
		t.Errorf("Peek().Width = %d, want 2", s.Width)
	}
	c.Publish(Snapshot{Width: 3})

	st := c.Stats()
	if st.Publishes != 3 || st.Overwrites != 1 || st.Reads != 1 {
		t.Errorf("Stats() = %+v, want 3 publishes, 1 overwrite, 1 read", st)
	}

	c.Clear()
	if c.HasFrame() {
		t.Error("HasFrame after Clear")
	}
}

// TestConcurrentPublishPeek checks that every read is one complete
// snapshot: width, height, effect and payload always belong together.
func TestConcurrentPublishPeek(t *testing.T) {
	c := New()
	const writers, perWriter, readers = 4, 500, 4

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				n := w*perWriter + i + 1
				c.Publish(Snapshot{
					JPEG:      []byte(fmt.Sprint(n)),
					Width:     n,
					Height:    2 * n,
					Effect:    fmt.Sprintf("e%d", n),
					Timestamp: time.Unix(int64(n), 0),
				})
			}
		}(w)
	}

	done := make(chan struct{})
	var torn sync.Map
	var rwg sync.WaitGroup
	for r := 0; r < readers; r++ {
		rwg.Add(1)
		go func() {
			defer rwg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				s, ok := c.Peek()
				if !ok {
					continue
				}
				n := s.Width
				if s.Height != 2*n || s.Effect != fmt.Sprintf("e%d", n) || string(s.JPEG) != fmt.Sprint(n) || s.Timestamp.Unix() != int64(n) {
					torn.Store(n, s)
				}
			}
		}()
	}

	wg.Wait()
	close(done)
	rwg.Wait()

	torn.Range(func(k, v any) bool {
		t.Errorf("torn snapshot %v: %+v", k, v)
		return true
	})
	if got := c.Stats().Publishes; got != writers*perWriter {
		t.Errorf("Publishes = %d, want %d", got, writers*perWriter)
	}
	t.Logf("✅ %d publishes, %d overwrites, %d reads", c.Stats().Publishes, c.Stats().Overwrites, c.Stats().Reads)
}
