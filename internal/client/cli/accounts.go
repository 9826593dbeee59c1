package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
)

func (a *App) listBrokers(ctx context.Context) error {
	brokers, err := a.client.Brokers(ctx)
	if err != nil {
		return err
	}
	for _, b := range brokers {
		sync := ""
		if b.SupportsAutoSync {
			sync = " [auto-sync]"
		}
		fmt.Printf("%-12s %-30s %s (%s)%s\n", b.Code, b.Name, b.IntegrationType, b.Country, sync)
	}
	return nil
}

func (a *App) listAccounts(ctx context.Context) error {
	accounts, err := a.client.Accounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No linked accounts.")
		return nil
	}
	for _, acc := range accounts {
		creds := "no credentials"
		if acc.HasCredentials {
			creds = "credentials stored"
		}
		fmt.Printf("%s  %-12s %-20s %s\n", acc.ID, acc.BrokerCode, acc.Name, creds)
	}
	return nil
}

// link creates an account, optionally sealing a credential document typed in
// as JSON. The plaintext travels once over TLS together with the KEK header
// and is never retained locally.
func (a *App) link(ctx context.Context) error {
	brokerCode, err := getSimpleText(a.reader, "Broker code (see 'brokers')", os.Stdout)
	if err != nil {
		return err
	}
	name, err := getSimpleText(a.reader, "Account name", os.Stdout)
	if err != nil {
		return err
	}
	doc, err := GetMultiline(a.reader, "Credentials as JSON (empty to skip)", os.Stdout)
	if err != nil {
		return err
	}

	var credentials json.RawMessage
	if doc != "" {
		if !json.Valid([]byte(doc)) {
			fmt.Println("Not valid JSON.")
			return nil
		}
		credentials = json.RawMessage(doc)
	}

	account, err := a.client.CreateAccount(ctx, brokerCode, name, credentials, a.kek, a.keyVersion)
	if err != nil {
		log.Printf("Link unsuccessfull: %s", err.Error())
		return err
	}
	fmt.Printf("Linked %s (%s)\n", account.Name, account.ID)
	return nil
}

func (a *App) showCredentials(ctx context.Context) error {
	accountID, err := getSimpleText(a.reader, "Account ID", os.Stdout)
	if err != nil {
		return err
	}
	payload, err := a.client.Credentials(ctx, accountID, a.kek, a.keyVersion)
	if err != nil {
		log.Printf("Fetch unsuccessfull: %s", err.Error())
		return err
	}
	fmt.Println(string(payload))
	return nil
}

func (a *App) updateCredentials(ctx context.Context) error {
	accountID, err := getSimpleText(a.reader, "Account ID", os.Stdout)
	if err != nil {
		return err
	}
	doc, err := GetMultiline(a.reader, "New credentials as JSON", os.Stdout)
	if err != nil {
		return err
	}
	if !json.Valid([]byte(doc)) {
		fmt.Println("Not valid JSON.")
		return nil
	}
	if err := a.client.UpdateCredentials(ctx, accountID, json.RawMessage(doc), a.kek, a.keyVersion); err != nil {
		log.Printf("Update unsuccessfull: %s", err.Error())
		return err
	}
	fmt.Println("Success!")
	return nil
}

func (a *App) deleteAccount(ctx context.Context) error {
	accountID, err := getSimpleText(a.reader, "Account ID", os.Stdout)
	if err != nil {
		return err
	}
	if err := a.client.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	fmt.Println("Deleted.")
	return nil
}

func (a *App) sync(ctx context.Context) error {
	accountID, err := getSimpleText(a.reader, "Account ID", os.Stdout)
	if err != nil {
		return err
	}
	result, err := a.client.Sync(ctx, accountID, a.kek, a.keyVersion)
	if err != nil {
		log.Printf("Sync unsuccessfull: %s", err.Error())
		return err
	}
	for _, b := range result.Balances {
		fmt.Printf("%-20s %10s %s\n", b.Name, b.Amount, b.Currency)
	}
	fmt.Printf("fetched at %s\n", result.FetchedAt.Format("2006-01-02 15:04:05"))
	return nil
}
