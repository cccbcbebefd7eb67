package object

import (
	"context"
	"testing"

	"github.com/gofrs/uuid"

	qt "github.com/frankban/quicktest"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

func TestGetResultObjectPath(t *testing.T) {
	c := qt.New(t)

	exeUID := uuid.FromStringOrNil("5b1fcd3c-8a0e-4b7c-a2f4-3c3a8a5b1e01")
	fileUID := uuid.FromStringOrNil("0f2e8c21-6d4b-4f1a-9c2e-7a1b3c4d5e6f")

	c.Check(GetResultObjectPath(exeUID, fileUID), qt.Equals,
		"execution-result/exe-5b1fcd3c-8a0e-4b7c-a2f4-3c3a8a5b1e01/file-0f2e8c21-6d4b-4f1a-9c2e-7a1b3c4d5e6f")
}

func TestMemoryStorage(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	s := NewMemoryStorage("results")
	c.Check(s.GetBucket(), qt.Equals, "results")

	_, err := s.GetFile(ctx, "", "a.txt")
	c.Check(err, qt.ErrorIs, errdomain.ErrNotFound)

	c.Assert(s.PutFile(ctx, "", "a.txt", []byte("hello"), "text/plain"), qt.IsNil)

	got, err := s.GetFile(ctx, "results", "a.txt")
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.Equals, "hello")

	_, err = s.GetFile(ctx, "other", "a.txt")
	c.Check(err, qt.ErrorIs, errdomain.ErrNotFound)

	c.Assert(s.DeleteFile(ctx, "", "a.txt"), qt.IsNil)
	_, err = s.GetFile(ctx, "", "a.txt")
	c.Check(err, qt.ErrorIs, errdomain.ErrNotFound)
}

func TestUnwrapServiceAccountKey(t *testing.T) {
	c := qt.New(t)

	plain := []byte(`{"type":"service_account","project_id":"p"}`)
	got, err := unwrapServiceAccountKey(plain)
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.Equals, string(plain))

	wrapped := []byte(`{"data":{"data":{"project_id":"p"}}}`)
	got, err = unwrapServiceAccountKey(wrapped)
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.JSONEquals, map[string]any{"project_id": "p"})
}
