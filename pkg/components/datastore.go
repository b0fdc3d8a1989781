package components

import (
	"errors"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/providers/azure"
)

// MySQLArgs configures NewMySQL.
type MySQLArgs struct {
	ResourceGroup *output.Output[string]
	Location      *output.Output[string]
	AdminLogin    string
	AdminPassword *output.Output[string]

	// AllowAllFirewall declares a firewall rule admitting every IPv4 address.
	AllowAllFirewall bool
}

// MySQL is a provisioned MySQL server.
type MySQL struct {
	Server   *engine.Resource
	Firewall *engine.Resource

	ServerName *output.Output[string]
	Hostname   *output.Output[string]
	Login      *output.Output[string]
	Password   *output.Output[string]
}

// NewMySQL declares a single MySQL server on the smallest tier.
func NewMySQL(d Deployer, name string, args MySQLArgs) (*MySQL, error) {
	if args.ResourceGroup == nil || args.Location == nil || args.AdminPassword == nil {
		return nil, errors.New("mysql: resource group, location and admin password are required")
	}
	if args.AdminLogin == "" {
		return nil, errors.New("mysql: admin login is required")
	}

	serverName := output.Map(args.ResourceGroup, ServerName)

	server := d.Register(azure.KindMySQLServer, name, engine.Props(map[string]any{
		"resourceGroupName": args.ResourceGroup,
		"serverName":        serverName,
		"location":          args.Location,
		"sku": map[string]any{
			"name":     "B_Gen5_1",
			"tier":     "Basic",
			"capacity": 1,
			"size":     "5120",
			"family":   "Gen5",
		},
		"properties": map[string]any{
			"version":                    "5.7",
			"administratorLogin":         args.AdminLogin,
			"administratorLoginPassword": args.AdminPassword,
			"createMode":                 "Default",
			"infrastructureEncryption":   "Disabled",
			"sslEnforcement":             "Disabled",
			"storageProfile": map[string]any{
				"storageMB":           5120,
				"backupRetentionDays": 7,
				"geoRedundantBackup":  "Disabled",
				"storageAutogrow":     "Disabled",
			},
		},
	}))

	db := &MySQL{
		Server:     server,
		ServerName: serverName,
		Hostname:   server.StringOutput("properties.fullyQualifiedDomainName"),
		Login:      output.Sprintf("%s@%s", args.AdminLogin, serverName),
		Password:   output.Secret(args.AdminPassword),
	}

	if args.AllowAllFirewall {
		db.Firewall = d.Register(azure.KindFirewallRule, name+"-allow-all", engine.Props(map[string]any{
			"resourceGroupName": args.ResourceGroup,
			"serverName":        server.StringOutput("name"),
			"firewallRuleName":  "allow-all",
			"properties": map[string]any{
				"startIpAddress": "0.0.0.0",
				"endIpAddress":   "255.255.255.255",
			},
		}))
	}

	return db, nil
}
