package sos

import (
	"strconv"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/push"
)

const (
	alertTitle            = "🚨 SOS"
	alertBody             = "A family member needs help. Tap to see their location."
	alertType             = "SOS"
	alertAndroidChannelID = "sos_channel_v2"
	alertAndroidSound     = "sos"
	alertAPNSSound        = "sos.caf"
)

// alertMessage builds the notification announcing the event.
// The collapse key lets devices replace earlier announcements of the same event.
func alertMessage(event Event) push.Message {
	collapseKey := "sos_" + event.EventID
	return push.Message{
		Title: alertTitle,
		Body:  alertBody,
		Data: map[string]string{
			"type":     alertType,
			"familyId": event.FamilyID,
			"sosId":    event.EventID,
			"childUid": event.CreatedBy,
			"lat":      strconv.FormatFloat(event.Location.Latitude, 'f', -1, 64),
			"lng":      strconv.FormatFloat(event.Location.Longitude, 'f', -1, 64),
		},
		CollapseKey:      collapseKey,
		Tag:              collapseKey,
		AndroidChannelID: alertAndroidChannelID,
		AndroidSound:     alertAndroidSound,
		APNSSound:        alertAPNSSound,
	}
}
