// Package mqtt provides MQTT client connectivity for resolver devices.
//
// This package manages:
//   - Connection to a broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) on tsr/<client_id>/status
//
// # Architecture
//
// Each mqtt device owns one Client. Commands from the device's Timed Queue
// are published through it, and the device's feedback subscription feeds
// the State Tracker.
//
//	Timed Queue → mqttdevice → Client → Broker → controlled equipment
//	                    ↑                  │
//	              State Tracker ← feedback ┘
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS=true) outside the studio network
//   - Credentials are best set through TSR_MQTT_USERNAME / TSR_MQTT_PASSWORD
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.DeviceMQTT(dev))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(ctx, "studio/lights/+/state", 1,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
package mqtt
