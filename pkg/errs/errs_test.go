package errs

import (
	"context"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_KindOf(t *testing.T) {
	r := require.New(t)

	r.Equal(KindNotFound, KindOf(New(KindNotFound, "store.get", nil)))
	r.Equal(KindNotFound, KindOf(fmt.Errorf("read: %w", fs.ErrNotExist)))
	r.Equal(KindPermission, KindOf(fs.ErrPermission))
	r.Equal(KindTransient, KindOf(context.DeadlineExceeded))
	r.Equal(KindOther, KindOf(fmt.Errorf("boom")))
	r.Equal(KindOther, KindOf(nil))

	// Wrapped classified errors keep their kind.
	wrapped := fmt.Errorf("download: %w", New(KindTransient, "http.get", fmt.Errorf("timeout")))
	r.Equal(KindTransient, KindOf(wrapped))
	r.True(IsRetryable(wrapped))
	r.False(IsRetryable(New(KindPermission, "store.put", nil)))
}
