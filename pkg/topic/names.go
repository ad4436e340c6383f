package topic

import "strings"

// Shadow topic convention:
//
//	devices.<id>.shadow.reported   device -> engine
//	devices.<id>.shadow.desired    operator/UI -> engine
//	devices.<id>.shadow.update     engine -> subscribers
const (
	devicePrefix    = "devices"
	shadowSegment   = "shadow"
	reportedSegment = "reported"
	desiredSegment  = "desired"
	updateSegment   = "update"
)

// Subscription patterns covering the whole fleet
const (
	AllReported = devicePrefix + ".*." + shadowSegment + "." + reportedSegment
	AllDesired  = devicePrefix + ".*." + shadowSegment + "." + desiredSegment
	AllUpdates  = devicePrefix + ".*." + shadowSegment + "." + updateSegment
)

// Reported returns the reported-state topic for a device
func Reported(deviceID string) string {
	return devicePrefix + Separator + deviceID + Separator + shadowSegment + Separator + reportedSegment
}

// Desired returns the desired-state topic for a device
func Desired(deviceID string) string {
	return devicePrefix + Separator + deviceID + Separator + shadowSegment + Separator + desiredSegment
}

// Update returns the shadow-update topic for a device
func Update(deviceID string) string {
	return devicePrefix + Separator + deviceID + Separator + shadowSegment + Separator + updateSegment
}

// DeviceID extracts the device identifier from a shadow topic, or ""
// when the topic does not follow the convention. Device IDs containing
// literal dots span multiple segments, so everything between the
// "devices" prefix and the trailing "shadow.<op>" pair belongs to the
// identifier.
func DeviceID(t string) string {
	segments := strings.Split(t, Separator)
	if len(segments) < 4 || segments[0] != devicePrefix {
		return ""
	}
	if segments[len(segments)-2] != shadowSegment {
		return ""
	}
	switch segments[len(segments)-1] {
	case reportedSegment, desiredSegment, updateSegment:
	default:
		return ""
	}
	return strings.Join(segments[1:len(segments)-2], Separator)
}
