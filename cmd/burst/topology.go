package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/burst/internal/topology"
)

func topologyCmd() *cli.Command {
	return &cli.Command{
		Name:  "topology",
		Usage: "Print the communication groups and zigzag chunks of every rank",
		Flags: jobFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyJobConfig(c, LoadConfig(configFile))
			return printTopology(int(worldSize), int(intraSize))
		},
	}
}

func printTopology(world, intra int) error {
	layout := topology.Layout{WorldSize: world}
	fmt.Printf("%-5s %-7s %-13s %-13s %s\n", "rank", "chunks", "intra", "inter", "K/V sources (window:step)")
	for rank := 0; rank < world; rank++ {
		t, err := topology.Derive(rank, world, intra)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: %v", err), 2)
		}
		first, second := layout.Chunks(rank)
		var sources []string
		for j := 0; j < t.Windows(); j++ {
			for s := 0; s < t.IntraSize; s++ {
				sources = append(sources, fmt.Sprintf("%d:%d=%d", j, s, t.SourceRank(j, s)))
			}
		}
		fmt.Printf("%-5d %-7s %-13s %-13s %s\n", rank,
			fmt.Sprintf("%d,%d", first, second),
			groupLabel(t.IntraWindow), groupLabel(t.InterWindow),
			strings.Join(sources, " "))
	}
	return nil
}

func groupLabel(g topology.Group) string {
	return fmt.Sprintf("#%d@%d %v", g.Index, g.Rank, g.Ranks)
}
