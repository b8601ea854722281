package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maheshrc27/postflow/internal/models"
)

var validate = validator.New()

// validationMessages maps struct fields to the message returned when
// validation of that field fails.
var validationMessages = map[string]string{
	"Content":      "content required",
	"Platforms":    "at least one platform required",
	"AccountID":    "account_id required",
	"AccountName":  "account_name too long",
	"AccessToken":  "access_token required",
	"ExpiresIn":    "expires_in must not be negative",
	"ScheduledFor": "scheduled time required",
}

// validateStruct runs the struct tags of v and reports the first failing
// field as an InvalidRequest.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return models.NewInternal(err)
	}
	field := verrs[0].StructField()
	if msg, ok := validationMessages[field]; ok {
		return models.NewInvalidRequest(msg)
	}
	return models.NewInvalidRequest(fmt.Sprintf("invalid %s", strings.ToLower(field)))
}

var scheduleLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ParseSchedule combines the scheduledDate and scheduledTime form values in
// the given IANA zone. An empty zone means UTC. A date that already carries
// an RFC 3339 timestamp is accepted as is.
func ParseSchedule(date, clock, zone string) (time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" {
		return time.Time{}, models.NewInvalidRequest("scheduled date required")
	}
	if t, err := time.Parse(time.RFC3339, date); err == nil {
		return t, nil
	}

	loc := time.UTC
	if zone = strings.TrimSpace(zone); zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return time.Time{}, models.NewInvalidRequest(fmt.Sprintf("unknown time zone: %s", zone))
		}
		loc = l
	}

	value := date
	if clock != "" {
		value = date + "T" + clock
	}
	for _, layout := range scheduleLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, models.NewInvalidRequest("invalid scheduled time")
}
