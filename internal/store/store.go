package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"queue-server/models"
)

const (
	QueueKeyPrefix     = "queue:ride:"
	UserIndexKeyPrefix = "user:queues:"
	MetaKeyPrefix      = "ride:meta:"
	userMemberPrefix   = "user:"
)

// Hash fields of ride:meta:{id}.
const (
	FieldRidingTimeSeconds = "ridingTimeSeconds"
	FieldCapacityTotal     = "capacityTotal"
	FieldCapacityPremium   = "capacityPremium"
	FieldCapacityGeneral   = "capacityGeneral"
)

// ScoredMember is one sorted-set element.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the typed view of the backing keyspace. Every method is atomic on
// its single key; nothing spans keys.
type Store interface {
	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZRank reports found=false when the member is absent, distinct from rank 0.
	ZRank(ctx context.Context, key, member string) (rank int64, found bool, err error)
	ZScore(ctx context.Context, key, member string) (score float64, found bool, err error)
	ZSize(ctx context.Context, key string) (int64, error)
	// ZRangeWithScores returns ranks lo..hi inclusive; negative indexes count from the end.
	ZRangeWithScores(ctx context.Context, key string, lo, hi int64) ([]ScoredMember, error)
	ZPopMin(ctx context.Context, key string) (m ScoredMember, found bool, err error)
	ZRem(ctx context.Context, key, member string) (removed bool, err error)
	HGet(ctx context.Context, key, field string) (value string, found bool, err error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	// Del removes a key of any type, reporting whether it existed.
	Del(ctx context.Context, key string) (deleted bool, err error)
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

func QueueKey(rideID int64, class models.Class) string {
	return fmt.Sprintf("%s%d:%s", QueueKeyPrefix, rideID, class)
}

func UserIndexKey(userID int64) string {
	return fmt.Sprintf("%s%d", UserIndexKeyPrefix, userID)
}

func MetaKey(rideID int64) string {
	return fmt.Sprintf("%s%d", MetaKeyPrefix, rideID)
}

// UserMember is the primary-queue member for a user: user:{id}.
func UserMember(userID int64) string {
	return fmt.Sprintf("%s%d", userMemberPrefix, userID)
}

// IndexEntry is the user-index member for a (ride, class): {ride}:{class}.
func IndexEntry(rideID int64, class models.Class) string {
	return fmt.Sprintf("%d:%s", rideID, class)
}

func ParseUserMember(member string) (int64, bool) {
	raw, ok := strings.CutPrefix(member, userMemberPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func ParseIndexEntry(entry string) (int64, models.Class, bool) {
	rawRide, rawClass, ok := strings.Cut(entry, ":")
	if !ok {
		return 0, "", false
	}
	rideID, err := strconv.ParseInt(rawRide, 10, 64)
	if err != nil {
		return 0, "", false
	}
	class, ok := models.ParseClass(rawClass)
	if !ok {
		return 0, "", false
	}
	return rideID, class, true
}

func ParseMetaKey(key string) (int64, bool) {
	raw, ok := strings.CutPrefix(key, MetaKeyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
