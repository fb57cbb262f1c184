package db

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	name   string
	log    *[]string
	nested int
	closed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	f.nested++
	return &fakeTx{name: fmt.Sprintf("%s/sp%d", f.name, f.nested), log: f.log}, nil
}

func (f *fakeTx) Commit(context.Context) error {
	if f.closed {
		return pgx.ErrTxClosed
	}
	f.closed = true
	*f.log = append(*f.log, "commit "+f.name)
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.closed {
		return pgx.ErrTxClosed
	}
	f.closed = true
	*f.log = append(*f.log, "rollback "+f.name)
	return nil
}

type fakePool struct{ log *[]string }

func (p fakePool) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{name: "tx", log: p.log}, nil
}

func TestPoolTxRunner_NestedFailureRollsBackSavepoint(t *testing.T) {
	var log []string
	r := &PoolTxRunner{pool: fakePool{log: &log}}
	ctx := context.Background()

	err := r.WithTx(ctx, func(ctx context.Context) error {
		outer := TxFromContext(ctx)
		if err := r.WithTx(ctx, func(ctx context.Context) error {
			if TxFromContext(ctx) == outer {
				t.Error("nested call should run in a savepoint")
			}
			return errors.New("constraint violation")
		}); err == nil {
			t.Error("expected the nested error")
		}
		return r.WithTx(ctx, func(context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	want := []string{"rollback tx/sp1", "commit tx/sp2", "commit tx"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("got %v, want %v", log, want)
	}
}

func TestPoolTxRunner_OuterFailureRollsBack(t *testing.T) {
	var log []string
	r := &PoolTxRunner{pool: fakePool{log: &log}}

	err := r.WithTx(context.Background(), func(ctx context.Context) error {
		if err := r.WithTx(ctx, func(context.Context) error { return nil }); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	want := []string{"commit tx/sp1", "rollback tx"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("got %v, want %v", log, want)
	}
}
