// Command denim-keygen generates the two disjoint Ed25519 identities a
// denim-client needs (spec.md §9, invariant I5: overt and deniable
// sessions must never share identity material) and writes each to its own
// argon2id-encrypted keystore file via internal/cryptosession.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Deniable-IM/denim/internal/cryptosession"
	"github.com/Deniable-IM/denim/internal/validation"
)

func main() {
	overtPath := flag.String("overt-keystore", "", "output path for the overt identity keystore")
	deniablePath := flag.String("deniable-keystore", "", "output path for the deniable identity keystore")
	passphrase := flag.String("passphrase", "", "passphrase protecting both keystores (empty writes unencrypted .insecure files)")
	flag.Parse()

	if *overtPath == "" || *deniablePath == "" {
		fmt.Fprintln(os.Stderr, "denim-keygen: both -overt-keystore and -deniable-keystore are required")
		os.Exit(2)
	}
	if *overtPath == *deniablePath {
		fmt.Fprintln(os.Stderr, "denim-keygen: overt and deniable keystores must be distinct, per I5")
		os.Exit(2)
	}
	if err := validation.ValidateFilePath(*overtPath, false); err != nil {
		fmt.Fprintln(os.Stderr, "denim-keygen: -overt-keystore:", err)
		os.Exit(2)
	}
	if err := validation.ValidateFilePath(*deniablePath, false); err != nil {
		fmt.Fprintln(os.Stderr, "denim-keygen: -deniable-keystore:", err)
		os.Exit(2)
	}

	if err := generate("overt", *overtPath, *passphrase); err != nil {
		fmt.Fprintln(os.Stderr, "denim-keygen:", err)
		os.Exit(1)
	}
	if err := generate("deniable", *deniablePath, *passphrase); err != nil {
		fmt.Fprintln(os.Stderr, "denim-keygen:", err)
		os.Exit(1)
	}
}

func generate(label, path, passphrase string) error {
	identity, err := cryptosession.GenerateEd25519()
	if err != nil {
		return fmt.Errorf("generate %s identity: %w", label, err)
	}
	if err := cryptosession.SaveKey(identity.PrivateKey, path, passphrase); err != nil {
		return fmt.Errorf("save %s identity: %w", label, err)
	}
	written := cryptosession.ResolveKeystorePath(path, passphrase)
	fmt.Printf("%s identity written to %s\nfingerprint: %s\n", label, written, cryptosession.ComputeFingerprint(identity.PublicKey))
	return nil
}
