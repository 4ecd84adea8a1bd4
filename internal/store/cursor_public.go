package store

// CursorFirst returns the lexicographically smallest (key, val) pair
// in dbi as seen by txn's snapshot.
func CursorFirst(txn *Txn, dbi DBI) (key, val []byte, ok bool) {
	bt, err := txn.dbiTree(dbi)
	if err != nil {
		return nil, nil, false
	}
	c := newBtreeCursor(bt)
	if !c.First() {
		return nil, nil, false
	}
	key, val = c.Get()
	return key, val, true
}

// CursorSeek returns the first (key, val) pair with key >= lo (lo == nil
// means the beginning of the DBI) as seen by txn's snapshot.
func CursorSeek(txn *Txn, dbi DBI, lo []byte) (key, val []byte, ok bool) {
	bt, err := txn.dbiTree(dbi)
	if err != nil {
		return nil, nil, false
	}
	c := newBtreeCursor(bt)
	if !c.Seek(lo) {
		return nil, nil, false
	}
	key, val = c.Get()
	return key, val, true
}

// Cursor is the public, stateful cursor over one DBI within a txn
// (spec §4.B cursor state machine): first/last/seek/next/prev/get, plus
// put/del at the current position.
type Cursor struct {
	txn *Txn
	dbi DBI
	bt  *btree
	c   *btreeCursor
}

// OpenCursor opens a cursor over dbi within txn.
func OpenCursor(txn *Txn, dbi DBI) (*Cursor, error) {
	bt, err := txn.dbiTree(dbi)
	if err != nil {
		return nil, err
	}
	return &Cursor{txn: txn, dbi: dbi, bt: bt, c: newBtreeCursor(bt)}, nil
}

func (c *Cursor) First() bool        { return c.c.First() }
func (c *Cursor) Last() bool         { return c.c.Last() }
func (c *Cursor) Seek(k []byte) bool { return c.c.Seek(k) }
func (c *Cursor) Next() bool         { return c.c.Next() }
func (c *Cursor) Prev() bool         { return c.c.Prev() }

// FirstDup repositions to the first (smallest-value) entry of the
// current key's duplicate group. Dupsort only (spec §4.B cursor dup
// variants).
func (c *Cursor) FirstDup() bool {
	if !c.bt.dupSort {
		return false
	}
	key, _ := c.c.Get()
	if key == nil {
		return false
	}
	return c.c.Seek(key)
}

// LastDup repositions to the last (largest-value) entry of the current
// key's duplicate group.
func (c *Cursor) LastDup() bool {
	if !c.bt.dupSort {
		return false
	}
	key, _ := c.c.Get()
	if key == nil {
		return false
	}
	for {
		snapshot := append([]frame(nil), c.c.stack...)
		if !c.c.Next() {
			c.c.stack = snapshot
			c.c.valid = true
			return true
		}
		k, _ := c.c.Get()
		if c.bt.cmp(k, key) != 0 {
			c.c.stack = snapshot
			c.c.valid = true
			return true
		}
	}
}

// NextDup advances within the current key's duplicate group, returning
// false (and leaving the cursor positioned where it was) once the group
// is exhausted.
func (c *Cursor) NextDup() bool {
	if !c.bt.dupSort {
		return false
	}
	key, _ := c.c.Get()
	if key == nil {
		return false
	}
	snapshot := append([]frame(nil), c.c.stack...)
	if !c.c.Next() {
		c.c.stack = snapshot
		c.c.valid = true
		return false
	}
	k, _ := c.c.Get()
	if c.bt.cmp(k, key) != 0 {
		c.c.stack = snapshot
		c.c.valid = true
		return false
	}
	return true
}

// PrevDup is NextDup's mirror, walking toward the group's first entry.
func (c *Cursor) PrevDup() bool {
	if !c.bt.dupSort {
		return false
	}
	key, _ := c.c.Get()
	if key == nil {
		return false
	}
	snapshot := append([]frame(nil), c.c.stack...)
	if !c.c.Prev() {
		c.c.stack = snapshot
		c.c.valid = true
		return false
	}
	k, _ := c.c.Get()
	if c.bt.cmp(k, key) != 0 {
		c.c.stack = snapshot
		c.c.valid = true
		return false
	}
	return true
}

// CountDup reports the number of entries in the current key's
// duplicate group, leaving the cursor positioned where it started.
func (c *Cursor) CountDup() (uint64, error) {
	if !c.bt.dupSort {
		return 0, newErr("count_dup", KindInvalidData)
	}
	key, _ := c.c.Get()
	if key == nil {
		return 0, newErr("count_dup", KindRange)
	}
	saved := append([]frame(nil), c.c.stack...)
	savedValid := c.c.valid

	var n uint64
	c.FirstDup()
	for {
		n++
		if !c.NextDup() {
			break
		}
	}
	c.c.stack = saved
	c.c.valid = savedValid
	return n, nil
}

// Get returns the current (key, val), or (nil, nil) if not positioned.
func (c *Cursor) Get() ([]byte, []byte) { return c.c.Get() }

// Put replaces the value at the current key inline (flags==0 only;
// matches spec §4.B cursor put on non-dupsort DBIs).
func (c *Cursor) Put(val []byte) error {
	key, _ := c.c.Get()
	if key == nil {
		return newErr("cursor_put", KindRange)
	}
	if err := c.txn.Put(c.dbi, key, val, 0); err != nil {
		return err
	}
	bt, err := c.txn.dbiTree(c.dbi)
	if err != nil {
		return err
	}
	c.bt = bt
	c.c = newBtreeCursor(bt)
	return boolErr(c.c.Seek(key))
}

// Del removes the row at the current position, leaving the cursor on
// the next key (or invalid at the end).
func (c *Cursor) Del() error {
	key, _ := c.c.Get()
	if key == nil {
		return newErr("cursor_del", KindRange)
	}
	if err := c.txn.Del(c.dbi, key); err != nil {
		return err
	}
	bt, err := c.txn.dbiTree(c.dbi)
	if err != nil {
		return err
	}
	c.bt = bt
	c.c = newBtreeCursor(bt)
	c.c.Seek(key)
	return nil
}

func boolErr(ok bool) error {
	if ok {
		return nil
	}
	return newErr("cursor", KindNotFound)
}
