package mq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestRoutingKey(t *testing.T) {
	cases := []struct {
		channel string
		attrs   map[string]string
		want    string
	}{
		{"locations", map[string]string{AttrProtocol: "osmand", AttrUserID: "7"}, "locations.osmand.7"},
		{"locations", map[string]string{AttrProtocol: "OwnTracks"}, "locations.owntracks.unknown"},
		{"trackserver.locations", map[string]string{AttrProtocol: "my tracks#", AttrUserID: "1"}, "trackserver_locations.my_tracks_.1"},
		{"locations", nil, "locations.unknown.unknown"},
	}
	for _, tc := range cases {
		if got := routingKey(tc.channel, tc.attrs); got != tc.want {
			t.Fatalf("routingKey(%q, %v) = %q, want %q", tc.channel, tc.attrs, got, tc.want)
		}
	}
	if got := bindingKey("locations"); got != "locations.#" {
		t.Fatalf("unexpected binding key %q", got)
	}
}

func TestDeliveryMessage(t *testing.T) {
	msg := deliveryMessage(amqp.Delivery{
		MessageId:   "m1",
		ContentType: "application/json",
		Headers:     amqp.Table{AttrProtocol: "osmand", AttrUserID: []byte("7"), "n": int32(3)},
		Body:        []byte(`{}`),
	})
	if msg.ID != "m1" || string(msg.Data) != "{}" {
		t.Fatalf("unexpected message %+v", msg)
	}
	want := map[string]string{AttrContentType: "application/json", AttrProtocol: "osmand", AttrUserID: "7", "n": "3"}
	for k, v := range want {
		if msg.Attributes[k] != v {
			t.Fatalf("attribute %s = %q, want %q", k, msg.Attributes[k], v)
		}
	}
	if deliveryMode(true) != amqp.Persistent || deliveryMode(false) != amqp.Transient {
		t.Fatal("unexpected delivery modes")
	}
}
