package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// envelope is the serialised form used by the stores that hold opaque bytes.
// The request key is kept alongside the snapshot because those stores address
// entries by a hash of it.
type envelope struct {
	Key      string
	Snapshot Snapshot
}

func encodeEntry(key string, s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(envelope{Key: key, Snapshot: *s})
	if err != nil {
		return nil, fmt.Errorf("enc.Encode(%s): %w", key, err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (string, *Snapshot, error) {
	var env envelope
	dec := gob.NewDecoder(bytes.NewReader(b))
	err := dec.Decode(&env)
	if err != nil {
		return "", nil, fmt.Errorf("dec.Decode(): %w", err)
	}
	return env.Key, &env.Snapshot, nil
}

func encodeStrings(ss []string) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(ss)
	if err != nil {
		return nil, fmt.Errorf("enc.Encode(strings): %w", err)
	}
	return buf.Bytes(), nil
}

func decodeStrings(b []byte) ([]string, error) {
	var ss []string
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&ss)
	if err != nil {
		return nil, fmt.Errorf("dec.Decode(strings): %w", err)
	}
	return ss, nil
}

func appendUnique(ss []string, s string) ([]string, bool) {
	for _, v := range ss {
		if v == s {
			return ss, false
		}
	}
	return append(ss, s), true
}

func without(ss []string, s string) ([]string, bool) {
	for i, v := range ss {
		if v == s {
			out := make([]string, 0, len(ss)-1)
			out = append(out, ss[:i]...)
			return append(out, ss[i+1:]...), true
		}
	}
	return ss, false
}
