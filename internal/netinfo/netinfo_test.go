package netinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, NATTypeUnknown, Classify([]string{"1.2.3.4:1"}))
	assert.Equal(t, NATTypeConeOrRestricted, Classify([]string{"1.2.3.4:1", "1.2.3.4:1"}))
	assert.Equal(t, NATTypeSymmetric, Classify([]string{"1.2.3.4:1", "1.2.3.4:2"}))
}

func TestPublicAddress_EmptyServerFails(t *testing.T) {
	t.Parallel()

	info, err := PublicAddress(context.Background(), []string{"  "}, 0)
	require.Error(t, err)
	assert.Equal(t, NATTypeUnknown, info.NATType)
}
