package components

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/providers/azure"
	"github.com/openfroyo/tstack/pkg/providers/docker"
	"github.com/openfroyo/tstack/pkg/providers/local"
	"github.com/openfroyo/tstack/pkg/providers/memory"
)

const testRG = "t-abc123"

func newTestDeployment(t *testing.T) (*engine.Deployment, *memory.Recorder) {
	t.Helper()
	rec := memory.NewRecorder()
	d, err := engine.NewDeployment(context.Background(), engine.Options{
		Stack:     "dev",
		Providers: memory.Registry(rec),
	})
	if err != nil {
		t.Fatalf("Failed to create deployment: %v", err)
	}
	return d, rec
}

func wait(t *testing.T, d *engine.Deployment) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.Wait(ctx); err != nil {
		t.Fatalf("Deployment failed: %v", err)
	}
}

func await[T any](t *testing.T, o *output.Output[T]) (T, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, secret, err := o.AwaitSecret(ctx)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	return v, secret
}

func workerFolder(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func location() *output.Output[string] {
	return output.String("westeurope")
}

func TestNaming(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"server", ServerName(testRG), "t-abc123-mysql"},
		{"registry", RegistryName(testRG), "tabc123"},
		{"registry-single-hyphen", RegistryName("t-a-b"), "ta-b"},
		{"group", ContainerGroupName(testRG, "web"), "t-abc123-web"},
		{"cluster", ClusterName(testRG), "t-abc123-aks"},
		{"dns", DNSPrefix(testRG), "t-abc123aks"},
		{"nodes", NodeResourceGroup("t-abc123-aks"), "MC_t-abc123-aks"},
		{"app", ApplicationName(testRG), "t-abc123-aks-app"},
		{"role", RoleDefinitionID("sub", RoleAcrPull),
			"/subscriptions/sub/providers/Microsoft.Authorization/roleDefinitions/7f951dda-4ed3-4680-a7ca-43fe172d538d"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.name, tt.want, tt.got)
		}
	}
}

func TestIdentity(t *testing.T) {
	d, rec := newTestDeployment(t)
	ids := NewIdentity(d)

	suffix := ids.RandomString("rg-suffix", 6, false, false)
	password := ids.RandomPassword("mysql-password", 16, false)
	key := ids.PrivateKey("ssh-key", "RSA", 4096)
	wait(t, d)

	s, secret := await(t, suffix)
	if len(s) != 6 || strings.ToLower(s) != s || secret {
		t.Errorf("Expected a plain 6 character lowercase suffix, got: %q (secret=%v)", s, secret)
	}
	if _, secret := await(t, password); !secret {
		t.Error("Expected the password to be secret")
	}
	if pub, secret := await(t, key.PublicKeyOpenssh); secret || !strings.HasPrefix(pub, "ssh-rsa ") {
		t.Errorf("Expected a plain ssh-rsa key, got: %q (secret=%v)", pub, secret)
	}
	if _, secret := await(t, key.PrivateKeyPem); !secret {
		t.Error("Expected the private key to be secret")
	}

	call, ok := rec.Named("ssh-key")
	if !ok || call.Properties.String("rsaBits") != "4096" || call.Properties.String("algorithm") != "RSA" {
		t.Errorf("Unexpected key request: %+v", call)
	}
	if len(rec.Kind(local.KindRandomString)) != 1 {
		t.Error("Expected one random string request")
	}
}

func TestMySQL(t *testing.T) {
	d, rec := newTestDeployment(t)

	db, err := NewMySQL(d, "mysql", MySQLArgs{
		ResourceGroup:    output.String(testRG),
		Location:         location(),
		AdminLogin:       "temporal",
		AdminPassword:    output.SecretOf("hunter2"),
		AllowAllFirewall: true,
	})
	if err != nil {
		t.Fatalf("NewMySQL failed: %v", err)
	}
	wait(t, d)

	if host, _ := await(t, db.Hostname); host != "t-abc123-mysql.mysql.database.azure.com" {
		t.Errorf("Unexpected hostname: %s", host)
	}
	if login, secret := await(t, db.Login); login != "temporal@t-abc123-mysql" || secret {
		t.Errorf("Unexpected login: %s (secret=%v)", login, secret)
	}
	if pwd, secret := await(t, db.Password); pwd != "hunter2" || !secret {
		t.Errorf("Expected the secret password, got secret=%v", secret)
	}

	server, ok := rec.Named("mysql")
	if !ok {
		t.Fatal("Expected a server request")
	}
	if !server.Secret {
		t.Error("Expected the server request to be secret")
	}
	for path, want := range map[string]string{
		"serverName":                                    "t-abc123-mysql",
		"sku.name":                                      "B_Gen5_1",
		"sku.tier":                                      "Basic",
		"sku.size":                                      "5120",
		"properties.version":                            "5.7",
		"properties.sslEnforcement":                     "Disabled",
		"properties.storageProfile.storageMB":           "5120",
		"properties.storageProfile.backupRetentionDays": "7",
	} {
		if got := server.Properties.String(path); got != want {
			t.Errorf("%s: expected %q, got %q", path, want, got)
		}
	}

	rule, ok := rec.Named("mysql-allow-all")
	if !ok {
		t.Fatal("Expected a firewall rule")
	}
	if rule.Properties.String("serverName") != "t-abc123-mysql" ||
		rule.Properties.String("properties.endIpAddress") != "255.255.255.255" {
		t.Errorf("Unexpected firewall rule: %v", rule.Properties)
	}

	calls := rec.Applies()
	serverAt, ruleAt := -1, -1
	for i, c := range calls {
		switch c.Name {
		case "mysql":
			serverAt = i
		case "mysql-allow-all":
			ruleAt = i
		}
	}
	if ruleAt < serverAt {
		t.Error("Expected the firewall rule after the server")
	}
}

func TestMySQL_NoFirewall(t *testing.T) {
	d, rec := newTestDeployment(t)
	db, err := NewMySQL(d, "mysql", MySQLArgs{
		ResourceGroup: output.String(testRG),
		Location:      location(),
		AdminLogin:    "temporal",
		AdminPassword: output.SecretOf("hunter2"),
	})
	if err != nil {
		t.Fatalf("NewMySQL failed: %v", err)
	}
	wait(t, d)

	if db.Firewall != nil || len(rec.Kind(azure.KindFirewallRule)) != 0 {
		t.Error("Expected no firewall rule")
	}
}

func TestMySQL_Validation(t *testing.T) {
	d, _ := newTestDeployment(t)
	if _, err := NewMySQL(d, "mysql", MySQLArgs{ResourceGroup: output.String(testRG)}); err == nil {
		t.Error("Expected error for missing arguments")
	}
}

func TestRegistryImage(t *testing.T) {
	d, rec := newTestDeployment(t)
	folder := workerFolder(t)

	ri, err := NewRegistryImage(d, "registry", RegistryArgs{
		ResourceGroup: output.String(testRG),
		Location:      location(),
		SourceFolder:  folder,
		ImageName:     "temporal-worker",
	})
	if err != nil {
		t.Fatalf("NewRegistryImage failed: %v", err)
	}
	wait(t, d)

	if server, _ := await(t, ri.LoginServer); server != "tabc123.azurecr.io" {
		t.Errorf("Unexpected login server: %s", server)
	}
	creds, secret := await(t, ri.Credentials)
	if !secret || creds.Username != "tabc123" || creds.Password != memory.RegistryPassword("tabc123") {
		t.Errorf("Unexpected credentials: %+v (secret=%v)", creds, secret)
	}

	contextDigest, err := docker.ContextDigest(folder)
	if err != nil {
		t.Fatalf("ContextDigest failed: %v", err)
	}
	ref, _ := await(t, ri.ImageReference)
	want := "tabc123.azurecr.io/temporal-worker@" + memory.ImageDigest("tabc123.azurecr.io/temporal-worker", contextDigest)
	if ref != want {
		t.Errorf("Expected %s, got: %s", want, ref)
	}

	image, ok := rec.Find(docker.KindImage, "temporal-worker")
	if !ok {
		t.Fatal("Expected an image request")
	}
	if image.Properties.String("build.context") != folder ||
		image.Properties.String("build.contextDigest") != contextDigest ||
		image.Properties.String("registry.username") != "tabc123" {
		t.Errorf("Unexpected image request: %v", image.Properties)
	}
	if !image.Secret {
		t.Error("Expected the image request to carry secret credentials")
	}

	registry, _ := rec.Named("registry")
	if registry.Properties.String("properties.adminUserEnabled") != "true" {
		t.Errorf("Expected admin user enabled, got: %v", registry.Properties)
	}
}

func TestRegistryImage_MissingFolder(t *testing.T) {
	d, rec := newTestDeployment(t)

	ri, err := NewRegistryImage(d, "registry", RegistryArgs{
		ResourceGroup: output.String(testRG),
		Location:      location(),
		SourceFolder:  filepath.Join(t.TempDir(), "missing"),
		ImageName:     "temporal-worker",
	})
	if code := engine.ErrorCode(err); code != engine.ErrCodeBuildFailed {
		t.Fatalf("Expected %s, got: %v", engine.ErrCodeBuildFailed, err)
	}
	wait(t, d)

	if len(rec.Kind(docker.KindImage)) != 0 {
		t.Error("No image must be requested when the folder is missing")
	}
	if _, err := ri.ImageReference.Await(context.Background()); engine.ErrorCode(err) != engine.ErrCodeBuildFailed {
		t.Errorf("Expected the image reference to fail with a build failure, got: %v", err)
	}
}

func TestContainerPlatform(t *testing.T) {
	for _, plaintext := range []bool{true, false} {
		d, rec := newTestDeployment(t)
		rg := output.String(testRG)

		ri, err := NewRegistryImage(d, "registry", RegistryArgs{
			ResourceGroup: rg,
			Location:      location(),
			SourceFolder:  workerFolder(t),
			ImageName:     "temporal-worker",
		})
		if err != nil {
			t.Fatalf("NewRegistryImage failed: %v", err)
		}

		p, err := NewContainerPlatform(d, "temporal", ContainerPlatformArgs{
			ResourceGroup: rg,
			Location:      location(),
			Version:       "0.29.0",
			Env: []EnvVar{
				Env("AUTO_SETUP", "true"),
				{Name: "MYSQL_PWD", Value: output.SecretOf("hunter2"), Sensitive: true},
			},
			Port:               8080,
			Image:              ri,
			PlaintextSecretEnv: plaintext,
		})
		if err != nil {
			t.Fatalf("NewContainerPlatform failed: %v", err)
		}
		wait(t, d)

		serverIP := memory.Address("t-abc123-server")
		if got, _ := await(t, p.ServerEndpoint); got != serverIP+":7233" {
			t.Errorf("Unexpected server endpoint: %s", got)
		}
		if got, _ := await(t, p.WebEndpoint); got != "http://"+memory.Address("t-abc123-web")+":8088" {
			t.Errorf("Unexpected web endpoint: %s", got)
		}
		if got, _ := await(t, p.StarterEndpoint); got != "http://"+memory.Address("t-abc123-worker")+":8080/async?name=" {
			t.Errorf("Unexpected starter endpoint: %s", got)
		}

		server, _ := rec.Find(azure.KindContainerGroup, "temporal-server")
		if server.Properties.String("properties.containers.0.properties.image") != "temporalio/server:0.29.0" {
			t.Errorf("Unexpected server image: %v", server.Properties)
		}
		pwdKey := "properties.containers.0.properties.environmentVariables.1.secureValue"
		if plaintext {
			pwdKey = "properties.containers.0.properties.environmentVariables.1.value"
		}
		if server.Properties.String(pwdKey) != "hunter2" {
			t.Errorf("plaintext=%v: expected password under %s, got: %v", plaintext, pwdKey, server.Properties)
		}

		web, _ := rec.Find(azure.KindContainerGroup, "temporal-web")
		if web.Properties.String("properties.containers.0.properties.environmentVariables.0.value") != serverIP+":7233" {
			t.Errorf("Expected web to receive the server endpoint, got: %v", web.Properties)
		}

		worker, _ := rec.Find(azure.KindContainerGroup, "temporal-worker")
		if !strings.HasPrefix(worker.Properties.String("properties.containers.0.properties.image"), "tabc123.azurecr.io/temporal-worker@sha256:") {
			t.Errorf("Expected the pushed image, got: %v", worker.Properties)
		}
		if worker.Properties.String("properties.imageRegistryCredentials.0.server") != "tabc123.azurecr.io" {
			t.Errorf("Expected registry credentials, got: %v", worker.Properties)
		}
		if worker.Properties.String("properties.ipAddress.ports.0.port") != "8080" {
			t.Errorf("Expected the app port, got: %v", worker.Properties)
		}
	}
}

func TestCluster(t *testing.T) {
	d, rec := newTestDeployment(t)

	c, err := NewCluster(d, "aks", ClusterArgs{
		ResourceGroup:     output.String(testRG),
		Location:          location(),
		KubernetesVersion: "1.16.13",
		VMSize:            "Standard_DS2_v2",
		VMCount:           3,
	})
	if err != nil {
		t.Fatalf("NewCluster failed: %v", err)
	}
	wait(t, d)

	kubeconfig, secret := await(t, c.AccessCredentials)
	if !secret || kubeconfig != memory.Kubeconfig("t-abc123-aks") {
		t.Errorf("Unexpected access credentials (secret=%v): %s", secret, kubeconfig)
	}
	if id, _ := await(t, c.WorkloadIdentity); id != memory.ObjectID("t-abc123-aks-kubelet") {
		t.Errorf("Unexpected workload identity: %s", id)
	}

	app, _ := rec.Named("aks-app")
	appID := memory.ObjectID("appid:" + app.Properties.String("displayName"))

	cluster, ok := rec.Named("aks")
	if !ok {
		t.Fatal("Expected a cluster request")
	}
	for path, want := range map[string]string{
		"resourceName":                                "t-abc123-aks",
		"properties.dnsPrefix":                        "t-abc123aks",
		"properties.nodeResourceGroup":                "MC_t-abc123-aks",
		"properties.agentPoolProfiles.0.count":        "3",
		"properties.agentPoolProfiles.0.vmSize":       "Standard_DS2_v2",
		"properties.linuxProfile.adminUsername":       "adminuser",
		"properties.servicePrincipalProfile.clientId": appID,
		"identity.type":                               "SystemAssigned",
	} {
		if got := cluster.Properties.String(path); got != want {
			t.Errorf("%s: expected %q, got %q", path, want, got)
		}
	}
	if cluster.Properties.String("properties.servicePrincipalProfile.secret") == "" {
		t.Error("Expected the service principal secret")
	}
	if !strings.HasPrefix(cluster.Properties.String("properties.linuxProfile.ssh.publicKeys.0.keyData"), "ssh-rsa ") {
		t.Error("Expected the SSH public key")
	}

	password, _ := rec.Named("aks-sp-password")
	if password.Properties.String("endDate") != PasswordEndDate || password.Properties.String("keyId") == "" {
		t.Errorf("Unexpected password request: %v", password.Properties)
	}

	invokes := rec.Operation(memory.OpInvoke)
	if len(invokes) != 1 || invokes[0].Properties.String("resourceName") != "t-abc123-aks" {
		t.Errorf("Expected one credential lookup for the cluster, got: %+v", invokes)
	}
}

func TestCluster_CredentialsWaitForCluster(t *testing.T) {
	rec := memory.NewRecorder()
	reg := memory.Registry(rec)
	p, err := reg.Lookup(azure.KindManagedCluster)
	if err != nil {
		t.Fatal(err)
	}
	p.(*memory.Provider).FailOn("aks", engine.NewRequestRejectedError("quota exceeded", nil))

	d, err := engine.NewDeployment(context.Background(), engine.Options{Stack: "dev", Providers: reg})
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCluster(d, "aks", ClusterArgs{
		ResourceGroup:     output.String(testRG),
		Location:          location(),
		KubernetesVersion: "1.16.13",
		VMSize:            "Standard_DS2_v2",
		VMCount:           1,
	})
	if err != nil {
		t.Fatalf("NewCluster failed: %v", err)
	}

	if _, err := d.Wait(context.Background()); err == nil {
		t.Fatal("Expected the deployment to fail")
	}
	if _, err := c.AccessCredentials.Await(context.Background()); err == nil {
		t.Error("Expected the credentials to fail")
	}
	if n := len(rec.Operation(memory.OpInvoke)); n != 0 {
		t.Errorf("Expected no credential lookup, got: %d", n)
	}
}

func TestAccessBinding(t *testing.T) {
	d, rec := newTestDeployment(t)

	binding, err := NewAccessBinding(d, "acr-pull", AccessArgs{
		Principal:      output.String("kubelet-object-id"),
		Scope:          output.String("/subscriptions/sub/resourceGroups/rg/providers/Microsoft.ContainerRegistry/registries/acr"),
		Role:           RoleAcrPull,
		SubscriptionID: "sub",
	})
	if err != nil {
		t.Fatalf("NewAccessBinding failed: %v", err)
	}
	wait(t, d)

	name, _ := await(t, binding.Name)
	call, ok := rec.Named("acr-pull")
	if !ok {
		t.Fatal("Expected a role assignment")
	}
	if call.Properties.String("roleAssignmentName") != name {
		t.Errorf("Expected the generated name %s, got: %v", name, call.Properties)
	}
	if call.Properties.String("properties.roleDefinitionId") != RoleDefinitionID("sub", RoleAcrPull) {
		t.Errorf("Unexpected role definition: %v", call.Properties)
	}
	if call.Properties.String("properties.principalId") != "kubelet-object-id" {
		t.Errorf("Unexpected principal: %v", call.Properties)
	}
}

func TestAccessBinding_Validation(t *testing.T) {
	d, _ := newTestDeployment(t)
	if _, err := NewAccessBinding(d, "acr-pull", AccessArgs{Principal: output.String("p"), Scope: output.String("s")}); err == nil {
		t.Error("Expected error without role and subscription")
	}
}
