package webrtcpeer

import (
	"fmt"
	"strings"
)

// dataChannelSeparator joins the two peer ids in a mesh data channel label.
const dataChannelSeparator = "<->"

// DataChannelLabel names the data channel opened from local to remote.
func DataChannelLabel(local, remote string) string {
	return local + dataChannelSeparator + remote
}

// ParseDataChannelLabel splits a label created by DataChannelLabel into the
// opener's and the receiver's ids.
func ParseDataChannelLabel(label string) (opener, receiver string, err error) {
	opener, receiver, ok := strings.Cut(label, dataChannelSeparator)
	if !ok || opener == "" || receiver == "" || strings.Contains(receiver, dataChannelSeparator) {
		return "", "", fmt.Errorf("invalid mesh data channel label %q", label)
	}
	return opener, receiver, nil
}
