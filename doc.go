// Package mqttcore provides the wire codec, session state machine, and
// event loop for an MQTT 3.1.1 client, exposed through a channel-based
// request/notification API.
//
// # Quick start
//
//	opts, err := mqttcore.New(
//	    mqttcore.WithBroker("localhost", 1883),
//	    mqttcore.WithClientID("my-client"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//
//	requests, notifications, err := mqttcore.Start(ctx, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	requests.Subscribe(ctx, []string{"sensors/+/temperature"}, []mqttcore.QoS{mqttcore.AtLeastOnce})
//
//	for {
//	    n, err := notifications.Recv(ctx)
//	    if err != nil {
//	        return
//	    }
//	    if n.Kind == mqttcore.NotifyPublish {
//	        fmt.Printf("%s: %s\n", n.Publish.Topic, n.Publish.Payload)
//	    }
//	}
//
// Start spawns the event loop in a background goroutine and returns
// immediately; reconnection, keep-alive, and in-flight replay all
// happen without further caller involvement. Cancel ctx to shut the
// session down.
package mqttcore
