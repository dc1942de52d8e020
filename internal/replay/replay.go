// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package replay captures delivered envelopes as a line-oriented stream and
// plays them back, so a problematic message sequence observed in production
// can be re-driven through a fresh engine deterministically.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/marketmesh/engine/pkg/types"
)

// maxLine bounds a single recorded envelope.
const maxLine = 1 << 20

// Recorder appends envelopes to Out, one JSON line each. Safe for
// concurrent use.
type Recorder struct {
	Out io.Writer

	lock sync.Mutex
}

// Record writes one envelope to the stream.
func (r *Recorder) Record(env *types.Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	line = append(line, '\n')

	r.lock.Lock()
	defer r.lock.Unlock()
	_, err = r.Out.Write(line)
	return errors.Wrap(err, "record envelope")
}

// Reader consumes a recorded stream.
type Reader struct {
	In io.Reader

	once    sync.Once
	scanner *bufio.Scanner
}

// Next returns the next recorded envelope, or io.EOF at end of stream.
func (r *Reader) Next() (*types.Envelope, error) {
	r.once.Do(func() {
		r.scanner = bufio.NewScanner(r.In)
		r.scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	})

	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, errors.Wrap(err, "read recording")
		}
		return nil, io.EOF
	}
	var env types.Envelope
	if err := json.Unmarshal(r.scanner.Bytes(), &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &env, nil
}

// Replay feeds every envelope of a recorded stream into receive, in
// recording order, and returns how many were delivered.
func Replay(ctx context.Context, in io.Reader, receive func(ctx context.Context, env *types.Envelope) error) (int, error) {
	reader := &Reader{In: in}
	var delivered int
	for {
		env, err := reader.Next()
		if err == io.EOF {
			return delivered, nil
		}
		if err != nil {
			return delivered, err
		}
		if err := receive(ctx, env); err != nil {
			return delivered, errors.Wrapf(err, "replaying %s", env.MsgID)
		}
		delivered++
	}
}
