package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFingerprints_RememberThenUnchanged(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	f := New(rdb, time.Minute)
	ctx := context.Background()
	fp := Sum([]byte("<catalog/>"), []byte("<offers/>"))

	same, err := f.Unchanged(ctx, "catalog", fp)
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	if same {
		t.Fatalf("expected unknown document to count as changed")
	}

	if err := f.Remember(ctx, "catalog", fp); err != nil {
		t.Fatalf("remember: %v", err)
	}
	same, err = f.Unchanged(ctx, "catalog", fp)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !same {
		t.Fatalf("expected remembered fingerprint to be unchanged")
	}

	other := Sum([]byte("<catalog v=2/>"), []byte("<offers/>"))
	if same, _ := f.Unchanged(ctx, "catalog", other); same {
		t.Fatalf("expected different body to count as changed")
	}

	if err := f.Forget(ctx, "catalog"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if same, _ := f.Unchanged(ctx, "catalog", fp); same {
		t.Fatalf("expected forgotten fingerprint to count as changed")
	}
}

func TestFingerprints_NoRedis(t *testing.T) {
	f := New(nil, 0)
	same, err := f.Unchanged(context.Background(), "catalog", Sum([]byte("x")))
	if err != nil || same {
		t.Fatalf("expected changed without redis, got same=%v err=%v", same, err)
	}
}

func TestSum_OrderMatters(t *testing.T) {
	a := Sum([]byte("a"), []byte("b"))
	b := Sum([]byte("b"), []byte("a"))
	if a == b {
		t.Fatal("expected part order to change the fingerprint")
	}
}
