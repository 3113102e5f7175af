package dao

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Badger key layout. Index keys separate owner and id with a NUL byte so that
// participant keys (which contain ':') can never produce overlapping prefixes.
//
//	conv:<id>                          conversation JSON
//	convkey:<compositeKey>             conversation id
//	inbox:<participantKey>\x00<id>     participant index
//	tctx:<tenantKey>\x00<id>           tenant context index
//	msg:<convID>\x00<unixnano19>:<id>  message JSON
//	msgid:<id>                         message key
//	tenant:<tenantKey>                 tenant display name
//	member:<actorID>\x00<tenantKey>    membership marker
const (
	prefixConv       = "conv:"
	prefixConvKey    = "convkey:"
	prefixInbox      = "inbox:"
	prefixTenantCtx  = "tctx:"
	prefixMsg        = "msg:"
	prefixMsgID      = "msgid:"
	prefixTenant     = "tenant:"
	prefixMembership = "member:"
	sep              = "\x00"
)

func convKey(id string) []byte {
	return []byte(prefixConv + id)
}

func compositeIndexKey(compositeKey string) []byte {
	return []byte(prefixConvKey + compositeKey)
}

func indexPrefix(prefix, owner string) []byte {
	return []byte(prefix + owner + sep)
}

func indexKey(prefix, owner, id string) []byte {
	return []byte(prefix + owner + sep + id)
}

func messagePrefix(conversationID string) []byte {
	return []byte(prefixMsg + conversationID + sep)
}

// messageKey sorts chronologically thanks to the 19-digit zero padded timestamp;
// the id breaks ties between messages of the same nanosecond.
func messageKey(conversationID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s%s%019d:%s", prefixMsg, conversationID, sep, at.UnixNano(), id))
}

// messageSeekKey is the first key after every message created at or before `at`
func messageSeekKey(conversationID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s%s%019d:\xff", prefixMsg, conversationID, sep, at.UnixNano()))
}

func messageIDKey(id string) []byte {
	return []byte(prefixMsgID + id)
}

// stripedLock serializes read-modify-write cycles on one conversation within this process
type stripedLock struct {
	stripes [64]sync.Mutex
}

func (l *stripedLock) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
