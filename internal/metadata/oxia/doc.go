// Package oxia implements metadata.MetadataStore on Oxia.
//
// Each cluster uses its own namespace. Process locks are ephemeral keys
// bound to the client session, so a crashed tablet server or collector
// loses its lock once the session times out.
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "shale",
//	})
package oxia
