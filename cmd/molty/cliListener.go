package main

import (
	"context"
	"fmt"
	"time"

	"github.com/eiannone/keyboard"
	"moltybet/engine/actors"
)

// cliListener is a cheap and nasty way to poke at a running server. It listens for keypresses and executes commands.
func cliListener(interrupt chan struct{}, a *app) {
	fmt.Println("VIEW CURRENT STATE:\nm: markets\nb: ledger balances\np: price of the default asset\nw: current wallet\nc: engine config\nq: to quit\nSee cliListener.go for more")
	for {
		r, k, err := keyboard.GetSingleKey()
		if err != nil {
			fmt.Println(err)
			return
		}
		str := string(r)
		switch str {
		default:
			if k == keyboard.KeyEnter {
				fmt.Println("\n-----------------------------------")
				break
			}
			if r == 0 {
				break
			}
			fmt.Println("Key " + str + " is not bound to anything. See cliListener.go for more details.")
		case "q":
			close(interrupt)
			return
		case "m":
			list, err := a.rec.Markets()
			if err != nil {
				fmt.Println(err)
				break
			}
			for _, m := range list {
				fmt.Printf("\nID: %s Status: %s Outcome: %s\nQuestion: %s\nSession: %s\nAllocations: %v\nFinal: %v\n",
					m.ID, m.Status, m.Outcome, m.Prediction.Question, m.AppSessionID, m.Allocations, m.FinalAllocations)
			}
		case "b":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			b, err := a.rec.Balances(ctx)
			cancel()
			if err != nil {
				fmt.Println(err)
				break
			}
			for _, l := range b.Ledger {
				fmt.Printf("%s: %s\n", l.Asset, l.Amount)
			}
			if b.Custody.Valid {
				fmt.Printf("custody: %s\n", b.Custody.Decimal)
			}
		case "p":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			q, err := a.rec.Price(ctx, a.conf.GetString("defaultAsset"))
			cancel()
			if err != nil {
				fmt.Println(err)
				break
			}
			fmt.Printf("%s %s (%s)\n", q.Asset, q.Price, q.Source)
		case "w":
			fmt.Printf("Root Wallet: \n%s\n", a.root.Address.Hex())
			fmt.Printf("Session Key: \n%s\n", a.session.Address.Hex())
			if pub := a.announcer.PubKey(); len(pub) > 0 {
				fmt.Printf("Nostr PubKey: \n%s\n", pub)
			}
		case "c":
			fmt.Println("CURRENT CONFIG")
			for k, v := range actors.MakeOrGetConfig().AllSettings() {
				if k == "privatekey" || k == "statepassphrase" || k == "storkapikey" {
					continue
				}
				fmt.Printf("\nKey: %s; Value: %v\n", k, v)
			}
		}
	}
}
