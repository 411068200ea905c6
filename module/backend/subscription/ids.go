// Package subscription tracks which device listens to which continuous
// query and owns the device-scoped lifecycle operations.
package subscription

import "strings"

// DeviceType tells the dispatcher which gateway a registration id belongs
// to.
type DeviceType string

const (
	DeviceAndroid DeviceType = "ANDROID"
	DeviceIOS     DeviceType = "IOS"
)

const (
	subIDSeparator = ":query:"
	iosPrefix      = "ios_"
)

// ConstructSubID builds the composite subscription id for one device and
// one query.
func ConstructSubID(regID, queryID string) string {
	return regID + subIDSeparator + queryID
}

// ExtractRegID recovers the registration id from a subscription id. It
// also accepts a bare registration id.
func ExtractRegID(subID string) string {
	if i := strings.Index(subID, subIDSeparator); i >= 0 {
		return subID[:i]
	}
	return subID
}

// TypeOf classifies a registration id by its platform marker.
func TypeOf(regID string) DeviceType {
	if strings.HasPrefix(regID, iosPrefix) {
		return DeviceIOS
	}
	return DeviceAndroid
}

// DeviceToken strips the platform marker, leaving the token the push
// gateway understands.
func DeviceToken(regID string) string {
	return strings.TrimPrefix(regID, iosPrefix)
}

// IOSRegID rebuilds the registration id from a bare iOS device token.
func IOSRegID(token string) string {
	return iosPrefix + token
}
