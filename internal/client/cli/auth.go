package cli

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"

	"github.com/finvault/finvault/internal/client/keys"
	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/cryptox"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
// They point to interactive input helpers and can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

// Register creates an account on the per-user key scheme. Salts are generated
// locally, both secrets are derived locally, and a fresh user key is wrapped
// under the KEK; the password itself is never sent.
func (a *App) Register(ctx context.Context) error {
	userName, err := getSimpleText(a.reader, "Enter username", os.Stdout)
	if err != nil {
		return err
	}
	email, err := getSimpleText(a.reader, "Enter email", os.Stdout)
	if err != nil {
		return err
	}
	password, err := getPassword(os.Stdout, "Enter password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	authSalt := cryptox.GenerateSalt()
	kekSalt := cryptox.GenerateSalt()

	secrets, err := keys.Derive(password, authSalt, kekSalt)
	if err != nil {
		return err
	}

	wrapped, err := keys.NewWrappedUserKey(secrets.KEK)
	if err != nil {
		secrets.Wipe()
		return err
	}

	if err := a.client.RegisterMigrated(ctx, userName, email, authSalt, kekSalt, secrets.AuthSecret, wrapped.Ciphertext, wrapped.Nonce); err != nil {
		secrets.Wipe()
		log.Printf("Registration unsuccessfull: %s", err.Error())
		return err
	}

	common.WipeByteArray(secrets.AuthSecret)
	a.userName = userName
	a.kek = secrets.KEK
	a.keyVersion = 1

	fmt.Println("Success!")
	return nil
}

// Login fetches the user's salts, derives both secrets locally, and
// authenticates with the derived secret. If the server reports the account
// unmigrated, the login falls back to the plaintext password, which triggers
// the one-time migration server-side and returns the fresh KEK.
func (a *App) Login(ctx context.Context) error {
	userName, err := getSimpleText(a.reader, "Enter username", os.Stdout)
	if err != nil {
		return err
	}
	password, err := getPassword(os.Stdout, "Enter password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	bundle, err := a.client.Salts(ctx, userName)
	if err != nil {
		log.Printf("Login unsuccessfull: %s", err.Error())
		return err
	}

	if !bundle.Migrated {
		return a.loginWithPassword(ctx, userName, password)
	}

	secrets, err := keys.Derive(password, bundle.AuthSalt, bundle.KekSalt)
	if err != nil {
		return err
	}

	result, err := a.client.Login(ctx, userName, secrets.AuthSecret)
	if err != nil {
		secrets.Wipe()
		log.Printf("Login unsuccessfull: %s", err.Error())
		return err
	}

	common.WipeByteArray(secrets.AuthSecret)
	a.userName = userName
	a.kek = secrets.KEK
	a.keyVersion = result.KeyVersion

	log.Printf("Login successfull")
	return nil
}

func (a *App) loginWithPassword(ctx context.Context, userName string, password []byte) error {
	result, err := a.client.LoginPassword(ctx, userName, password)
	if err != nil {
		log.Printf("Login unsuccessfull: %s", err.Error())
		return err
	}

	a.userName = userName
	a.kek = bytes.Clone(result.Kek)
	common.WipeByteArray(result.Kek)
	a.keyVersion = result.KeyVersion

	log.Printf("Login successfull")
	return nil
}

// ChangePassword rotates the user's key material. New salts come from the
// server, both old and new secrets are derived locally, and the server
// re-encrypts every stored blob in one transaction. All sessions are revoked,
// so the user must log in again.
func (a *App) ChangePassword(ctx context.Context) error {
	oldPassword, err := getPassword(os.Stdout, "Enter current password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(oldPassword)

	newPassword, err := getPassword(os.Stdout, "Enter new password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(newPassword)

	bundle, err := a.client.Salts(ctx, a.userName)
	if err != nil {
		return err
	}
	oldSecrets, err := keys.Derive(oldPassword, bundle.AuthSalt, bundle.KekSalt)
	if err != nil {
		return err
	}
	defer oldSecrets.Wipe()

	fresh, err := a.client.NewSalts(ctx)
	if err != nil {
		return err
	}
	newSecrets, err := keys.Derive(newPassword, fresh.AuthSalt, fresh.KekSalt)
	if err != nil {
		return err
	}
	defer newSecrets.Wipe()

	err = a.client.ChangePasswordMigrated(ctx,
		oldSecrets.AuthSecret, newSecrets.AuthSecret,
		fresh.AuthSalt, fresh.KekSalt,
		oldSecrets.KEK, newSecrets.KEK)
	if err != nil {
		log.Printf("Password change unsuccessfull: %s", err.Error())
		return err
	}

	a.clearSession()
	fmt.Println("Password changed. Please log in again.")
	return nil
}

// Logout revokes the session server-side and wipes the in-memory KEK.
func (a *App) Logout(ctx context.Context) error {
	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	a.clearSession()
	return nil
}

// Me prints the current user's profile.
func (a *App) Me(ctx context.Context) error {
	user, err := a.client.Me(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s <%s> key version %d\n", user.Username, user.Email, user.KeyVersion)
	return nil
}
