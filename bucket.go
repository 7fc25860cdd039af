package main

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"
)

// DefaultBuckets is the bucket count used when neither the config file nor
// the command line sets one.
const DefaultBuckets = 32

// BucketFor maps a redirect source path to a bucket in [0, n). The mapping
// hashes the lower-cased path with MD5 and reduces the first two digest bytes
// (big-endian) modulo n, so an unchanged input file always lands every path
// in the same bucket. n must be positive.
func BucketFor(path string, n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("BucketFor: bucket count must be positive, got %d", n))
	}
	sum := md5.Sum([]byte(strings.ToLower(path)))
	return int(binary.BigEndian.Uint16(sum[:2])) % n
}

// bucketPolicyName returns the name of the shared policy that holds bucket i.
func bucketPolicyName(base string, i int) string {
	return fmt.Sprintf("%s_%03d", base, i)
}
