package helpers

import (
	"crypto/sha1"
	"fmt"
)

// SHA1 returns the hex encoded SHA-1 of the given bytes
func SHA1(bytes []byte) (string, error) {
	s := sha1.New()
	_, err := s.Write(bytes)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", s.Sum(nil)), nil
}

// KeyHash is the SHA-1 of a bucket name and request key. Stores that cannot
// hold arbitrary strings as keys (memcached, object storage) address entries
// by this value.
func KeyHash(bucket string, key string) string {
	// sha1 on a hash.Hash never returns a write error
	s, _ := SHA1([]byte(bucket + "\x00" + key))
	return s
}

// NameHash is the SHA-1 of a bucket name, for stores whose keys have a length
// or character limit
func NameHash(name string) string {
	s, _ := SHA1([]byte(name))
	return s
}
