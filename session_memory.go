package mqttclient

import (
	"container/list"
)

// MemorySession is an in-memory implementation of Session backed by a
// preallocated pool of slots moved between a used and a free list.
type MemorySession struct {
	slots   []*SessionItem
	used    *list.List
	free    *list.List
	dropped uint64
}

// NewMemorySession creates a session holding up to 2*queueSize packets.
// A queueSize below 1 uses DefaultQueueSize.
func NewMemorySession(queueSize int) *MemorySession {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}

	s := &MemorySession{
		slots: make([]*SessionItem, 2*queueSize),
		used:  list.New(),
		free:  list.New(),
	}
	for i := range s.slots {
		s.slots[i] = &SessionItem{}
	}
	s.Init()

	return s
}

// Init empties the used list and returns every slot to the free list.
func (s *MemorySession) Init() error {
	s.used.Init()
	s.free.Init()
	for _, slot := range s.slots {
		*slot = SessionItem{}
		s.free.PushBack(slot)
	}
	return nil
}

func (s *MemorySession) Add(args SessionArgs) error {
	front := s.free.Front()
	if front == nil {
		s.dropped++
		return nil
	}

	if args == nil || !isSessionType(args.PacketType()) {
		return ErrInvalidSessionItem
	}

	slot := s.free.Remove(front).(*SessionItem)
	slot.Type = args.PacketType()
	slot.Args = CloneSessionArgs(args)
	s.used.PushBack(slot)

	return nil
}

func (s *MemorySession) Remove(packetType PacketType, packetID uint16) error {
	e := s.find(packetType, packetID)
	if e == nil {
		return ErrSessionItemNotFound
	}

	slot := s.used.Remove(e).(*SessionItem)
	*slot = SessionItem{}
	s.free.PushFront(slot)

	return nil
}

func (s *MemorySession) Exists(packetType PacketType, packetID uint16) bool {
	return s.find(packetType, packetID) != nil
}

func (s *MemorySession) ForEach(fn func(item SessionItem) error) error {
	for e := s.used.Front(); e != nil; e = e.Next() {
		if err := fn(*e.Value.(*SessionItem)); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemorySession) Len() int {
	return s.used.Len()
}

func (s *MemorySession) Cap() int {
	return len(s.slots)
}

func (s *MemorySession) Dropped() uint64 {
	return s.dropped
}

func (s *MemorySession) find(packetType PacketType, packetID uint16) *list.Element {
	for e := s.used.Front(); e != nil; e = e.Next() {
		item := e.Value.(*SessionItem)
		if item.Type == packetType && item.Args.PacketID() == packetID {
			return e
		}
	}
	return nil
}
