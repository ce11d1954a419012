package idbstore

import (
	"bytes"
	"context"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// rawRange defines a range of encoded keys. The constructors use mnemonics:
// I means inclusive and E means exclusive; the first letter is for the lower
// bound, the second for the upper bound.
type rawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func rawPrefix(p []byte) rawRange { return rawRange{Prefix: p} }
func rawIE(l, u []byte) rawRange {
	return rawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func rawII(l, u []byte) rawRange {
	return rawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true}
}
func (rang rawRange) reversed() rawRange { rang.Reverse = true; return rang }

func (r *rawRange) start(it *kvIterator, logger *slog.Logger) error {
	var err error
	var skipInitial bool
	if r.Reverse {
		upper := r.Upper
		if upper != nil {
			skipInitial = !r.UpperInc
			err = seekLastAtOrBefore(it, upper)
		} else if r.Prefix != nil {
			if end := prefixEnd(r.Prefix); end != nil {
				err = seekLastAtOrBefore(it, end)
				skipInitial = true
			} else {
				err = it.SeekToLast()
			}
		} else {
			err = it.SeekToLast()
		}
		if skipInitial && it.Valid() && !bytes.Equal(it.Key(), upperOrEnd(r)) {
			skipInitial = false
		}
	} else {
		lower := r.Lower
		if lower != nil {
			skipInitial = !r.LowerInc
		} else if r.Prefix != nil {
			lower = r.Prefix
		}
		if lower != nil {
			err = it.Seek(lower)
		} else {
			err = it.SeekToFirst()
		}
		if skipInitial && it.Valid() && !bytes.Equal(it.Key(), lower) {
			skipInitial = false
		}
	}
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "START", hexAttr("key", it.Key()), slog.Bool("skip", skipInitial))
	}
	if err != nil || !it.Valid() {
		return err
	}
	if skipInitial {
		return r.next(it, logger)
	}
	return nil
}

func upperOrEnd(r *rawRange) []byte {
	if r.Upper != nil {
		return r.Upper
	}
	return prefixEnd(r.Prefix)
}

func (r *rawRange) next(it *kvIterator, logger *slog.Logger) error {
	var err error
	if r.Reverse {
		err = it.Prev()
	} else {
		err = it.Next()
	}
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "STEP", hexAttr("key", it.Key()))
	}
	return err
}

func (r *rawRange) match(k []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		return false
	}
	if lower := r.Lower; lower != nil {
		cmp := bytes.Compare(k, lower)
		if cmp == -1 || (cmp == 0 && !r.LowerInc) {
			return false
		}
	}
	if upper := r.Upper; upper != nil {
		cmp := bytes.Compare(k, upper)
		if cmp == 1 || (cmp == 0 && !r.UpperInc) {
			return false
		}
	}
	return true
}

// seekLastAtOrBefore positions it at the largest key <= target.
func seekLastAtOrBefore(it *kvIterator, target []byte) error {
	if err := it.Seek(target); err != nil {
		return err
	}
	if !it.Valid() {
		return it.SeekToLast()
	}
	if bytes.Compare(it.Key(), target) > 0 {
		return it.Prev()
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (rang *rawRange) newCursor(tx *kvTransaction, logger *slog.Logger) *rawRangeCursor {
	return &rawRangeCursor{rang: *rang, it: tx.Iterator(), logger: logger}
}

// rawRangeCursor walks a rawRange over a kvTransaction:
//
//	c := rang.newCursor(kv, logger)
//	for c.Next() {
//		...
//	}
//	if err := c.Err(); err != nil {
type rawRangeCursor struct {
	rang   rawRange
	it     *kvIterator
	logger *slog.Logger
	init   bool
	done   bool
	err    error
}

func (c *rawRangeCursor) Next() bool {
	if c.done {
		return false
	}
	var err error
	if c.init {
		err = c.rang.next(c.it, c.logger)
	} else {
		c.init = true
		err = c.rang.start(c.it, c.logger)
	}
	if err != nil {
		c.err, c.done = err, true
		return false
	}
	if !c.it.Valid() || !c.rang.match(c.it.Key()) {
		c.done = true
		return false
	}
	return true
}

func (c *rawRangeCursor) Key() []byte   { return c.it.Key() }
func (c *rawRangeCursor) Value() []byte { return c.it.Value() }
func (c *rawRangeCursor) Err() error    { return c.err }
