package cli

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
)

func (a *App) getStatus() string {
	if a.userName == "" {
		return ""
	}
	return fmt.Sprintf("(%s)", a.userName)
}

func (a *App) Root(ctx context.Context) {

	log.Println("Welcome to FinVault CLI (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Printf("fv %s> ", a.getStatus())
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		cmd := parts[0]

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				fmt.Println("Available commands: brokers, (l)ist, link, show, update, sync, delete, passwd, me, logout, exit")
			} else {
				fmt.Println("Available commands: register, login, exit")
			}

		case "register":
			_ = a.Register(ctx)
		case "login":
			_ = a.Login(ctx)
		case "brokers":
			_ = a.listBrokers(ctx)
		case "l", "list":
			_ = a.listAccounts(ctx)
		case "link":
			_ = a.link(ctx)
		case "show":
			_ = a.showCredentials(ctx)
		case "update":
			_ = a.updateCredentials(ctx)
		case "sync":
			_ = a.sync(ctx)
		case "delete":
			_ = a.deleteAccount(ctx)
		case "passwd":
			_ = a.ChangePassword(ctx)
		case "me":
			_ = a.Me(ctx)
		case "logout":
			_ = a.Logout(ctx)
		case "exit", "quit":
			fmt.Println("Bye!")
			return
		default:
			fmt.Println("Unknown command:", cmd)
		}
	}

}
