// Package sentlicense is the client SDK for the Sentinel license engine.
//
// It gives a licensed application the two narrow calls it needs: validate the
// current license and report its feature set. Everything else (layered
// decryption, hardware binding, environment attestation, retry, and the
// offline grace window) happens behind Check.
//
// # Quick Start
//
//	client := sentlicense.NewOnlineClient("https://license.example.com")
//	v, err := sentlicense.NewValidator(client, secret, blob, "INST001",
//	    sentlicense.WithGraceWindow(48*time.Hour),
//	)
//	if err != nil {
//	    // configuration error
//	}
//	verdict, err := v.Check(ctx)
//	if verdict == sentlicense.VerdictValid {
//	    features := v.Features()
//	    _ = features
//	}
//
// # Periodic revalidation
//
// Run Check on a schedule in the background; cycles never block longer than
// the client timeout:
//
//	go v.Run(ctx, time.Hour)
//
// # Administration
//
// Administrative operations (issue, revoke, rebind, status) go through
// AdminClient, which signs every request body with the administrator secret.
package sentlicense
