package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketForKnownValues(t *testing.T) {
	tests := []struct {
		path string
		n    int
		want int
	}{
		{"/old", 32, 30},
		{"/OLD", 32, 30},
		{"/a", 32, 25},
		{"/b", 32, 10},
		{"/products/shoes", 32, 13},
		{"/", 32, 6},
		{"/old", 7, 3},
		{"/a", 4, 1},
		{"/anything", 1, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s mod %d", tt.path, tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, BucketFor(tt.path, tt.n))
		})
	}
}

func TestBucketForIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, BucketFor("/Some/Path", 32), BucketFor("/some/path", 32))
}

func TestBucketForRange(t *testing.T) {
	for _, n := range []int{1, 2, 7, 32, 100} {
		for i := 0; i < 500; i++ {
			b := BucketFor(fmt.Sprintf("/path/%d", i), n)
			assert.GreaterOrEqual(t, b, 0)
			assert.Less(t, b, n)
		}
	}
}

func TestBucketForIsStable(t *testing.T) {
	for i := 0; i < 50; i++ {
		p := fmt.Sprintf("/stable/%d", i)
		assert.Equal(t, BucketFor(p, 32), BucketFor(p, 32))
	}
}

func TestBucketForPanicsOnNonPositive(t *testing.T) {
	assert.Panics(t, func() { BucketFor("/a", 0) })
	assert.Panics(t, func() { BucketFor("/a", -3) })
}

func TestBucketPolicyName(t *testing.T) {
	assert.Equal(t, "bulk_000", bucketPolicyName("bulk", 0))
	assert.Equal(t, "bulk_031", bucketPolicyName("bulk", 31))
	assert.Equal(t, "bulk_1000", bucketPolicyName("bulk", 1000))
}
