package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var newID = uuid.New

// referenceNumber builds "<PREFIX>-YYMMDD-XXXXXX" from random uuid bytes.
func referenceNumber(prefix string, now time.Time) string {
	id := newID()
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("060102"), strings.ToUpper(fmt.Sprintf("%x", id[:3])))
}

func newPolicyNumber(now time.Time) string {
	return referenceNumber("HIMA", now)
}

func newClaimNumber(now time.Time) string {
	return referenceNumber("CLM", now)
}
