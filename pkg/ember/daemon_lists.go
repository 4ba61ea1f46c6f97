package ember

import "container/list"

// connList is an ordered set of connections. Membership is kept here rather
// than in the connection, so a connection can sit in several lists at once.
type connList struct {
	l     list.List
	index map[*Connection]*list.Element
}

func newConnList() *connList {
	return &connList{index: make(map[*Connection]*list.Element)}
}

func (cl *connList) pushFront(c *Connection) {
	if e, ok := cl.index[c]; ok {
		cl.l.MoveToFront(e)
		return
	}
	cl.index[c] = cl.l.PushFront(c)
}

func (cl *connList) pushBack(c *Connection) {
	if e, ok := cl.index[c]; ok {
		cl.l.MoveToBack(e)
		return
	}
	cl.index[c] = cl.l.PushBack(c)
}

// moveToFront moves c to the front if it is a member.
func (cl *connList) moveToFront(c *Connection) bool {
	e, ok := cl.index[c]
	if ok {
		cl.l.MoveToFront(e)
	}
	return ok
}

func (cl *connList) remove(c *Connection) bool {
	e, ok := cl.index[c]
	if !ok {
		return false
	}
	cl.l.Remove(e)
	delete(cl.index, c)
	return true
}

func (cl *connList) contains(c *Connection) bool {
	_, ok := cl.index[c]
	return ok
}

// back returns the least recently pushed-to-front member.
func (cl *connList) back() *Connection {
	if e := cl.l.Back(); e != nil {
		return e.Value.(*Connection)
	}
	return nil
}

func (cl *connList) len() int { return len(cl.index) }

// appendTo appends the members, front first, to dst.
func (cl *connList) appendTo(dst []*Connection) []*Connection {
	for e := cl.l.Front(); e != nil; e = e.Next() {
		dst = append(dst, e.Value.(*Connection))
	}
	return dst
}
