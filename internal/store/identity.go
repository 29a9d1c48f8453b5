package store

import (
	"database/sql"
	"fmt"
	"strconv"
)

// Identity addresses a message. A message starts Pending, known only by the
// random id its sending client generated, and becomes Confirmed once the
// server assigns a permanent id. The zero value is an empty Pending identity.
type Identity struct {
	confirmed bool
	value     int64
}

// Pending returns the identity of a not-yet-confirmed message.
func Pending(randomID int64) Identity {
	return Identity{value: randomID}
}

// Confirmed returns the identity of a server-confirmed message.
func Confirmed(messageID int64) Identity {
	return Identity{confirmed: true, value: messageID}
}

// IsPending reports whether the message still waits for its permanent id.
func (i Identity) IsPending() bool { return !i.confirmed }

// IsZero reports whether the identity carries no id at all.
func (i Identity) IsZero() bool { return i.value == 0 }

// RandomID returns the client random id of a pending message.
func (i Identity) RandomID() (int64, bool) {
	if i.confirmed {
		return 0, false
	}
	return i.value, true
}

// MessageID returns the permanent id of a confirmed message.
func (i Identity) MessageID() (int64, bool) {
	if !i.confirmed {
		return 0, false
	}
	return i.value, true
}

func (i Identity) String() string {
	if i.confirmed {
		return strconv.FormatInt(i.value, 10)
	}
	return "pending:" + strconv.FormatInt(i.value, 10)
}

// columns returns the (message_id, random_id) column values for the identity.
func (i Identity) columns() (messageID, randomID sql.NullInt64) {
	if i.confirmed {
		return sql.NullInt64{Int64: i.value, Valid: true}, sql.NullInt64{}
	}
	return sql.NullInt64{}, sql.NullInt64{Int64: i.value, Valid: true}
}

func identityFromColumns(messageID, randomID sql.NullInt64) (Identity, error) {
	switch {
	case messageID.Valid && !randomID.Valid:
		return Confirmed(messageID.Int64), nil
	case randomID.Valid && !messageID.Valid:
		return Pending(randomID.Int64), nil
	default:
		return Identity{}, fmt.Errorf("message row has ambiguous identity (message_id=%v random_id=%v)", messageID, randomID)
	}
}
